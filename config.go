package twom

// Option configures a call to Open. Options follow the teacher's
// functional-options shape (see config.go in the retrieval pack's
// go-bitcask): each Option mutates a *config built from defaultConfig.
type Option func(*config)

type config struct {
	create         bool
	readOnly       bool
	noChecksum     bool
	noSync         bool
	nonBlocking    bool
	noYield        bool
	alwaysYield    bool
	strictRecovery bool

	checksumEngine ChecksumEngine
	externalHash   string // name registered via RegisterExternalHash

	comparatorName string // name registered via RegisterComparator
	comparator     Comparator

	yieldEvery int

	logger DiagnosticSink
}

func defaultConfig() *config {
	return &config{
		checksumEngine: ChecksumXXHash64,
		comparator:     DefaultComparator,
		yieldEvery:     1024,
	}
}

// Create creates the database file if it does not already exist.
func Create() Option {
	return func(c *config) { c.create = true }
}

// ReadOnly opens the database for read transactions only; any write
// transaction or store call returns ErrReadOnly.
func ReadOnly() Option {
	return func(c *config) { c.readOnly = true }
}

// NoChecksum disables checksum verification on read. The checksum
// engine recorded in the header is still used when computing new
// checksums for appended records.
func NoChecksum() Option {
	return func(c *config) { c.noChecksum = true }
}

// NoSync disables the synchronous flush that otherwise follows every
// commit and every header update. Durability then depends entirely on
// the host filesystem's own write-back policy.
func NoSync() Option {
	return func(c *config) { c.noSync = true }
}

// NonBlocking makes any lock acquisition fail immediately with
// ErrLocked instead of blocking on the kernel.
func NonBlocking() Option {
	return func(c *config) { c.nonBlocking = true }
}

// NoYield disables the automatic yield that foreach otherwise performs
// every yieldEvery callback invocations.
func NoYield() Option {
	return func(c *config) { c.noYield = true }
}

// AlwaysYield yields before every foreach callback invocation, rather
// than every yieldEvery invocations.
func AlwaysYield() Option {
	return func(c *config) { c.alwaysYield = true }
}

// StrictRecovery additionally re-verifies every head checksum along the
// post-recovery chain before clearing the DIRTY bit, rather than
// trusting that the surviving level-0 slot was correct at crash time
// (spec §9 Open Question 2).
func StrictRecovery() Option {
	return func(c *config) { c.strictRecovery = true }
}

// WithChecksumEngine selects the checksum engine used for newly
// appended records. Only meaningful at creation: reopening an existing
// file uses the engine recorded in its header, and a mismatch is
// StatusBadFormat unless NoChecksum is also given.
func WithChecksumEngine(engine ChecksumEngine) Option {
	return func(c *config) { c.checksumEngine = engine }
}

// WithExternalHash selects a checksum engine of ChecksumExternal using
// the HashFunc registered under name via RegisterExternalHash.
func WithExternalHash(name string) Option {
	return func(c *config) {
		c.checksumEngine = ChecksumExternal
		c.externalHash = name
	}
}

// WithComparator selects a comparator registered under name via
// RegisterComparator. Only meaningful at creation; reopening a file
// created with a named comparator requires the same name.
func WithComparator(name string) Option {
	return func(c *config) { c.comparatorName = name }
}

// WithYieldInterval overrides the default 1024-callback automatic
// yield interval used by foreach.
func WithYieldInterval(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.yieldEvery = n
		}
	}
}

// WithDiagnostics installs a diagnostic sink (see dlog.go). It is a
// side channel only: it never affects the value any operation returns.
func WithDiagnostics(sink DiagnosticSink) Option {
	return func(c *config) { c.logger = sink }
}
