package pbzip2

// config holds the options accepted by NewDecoder.
type config struct {
	verbose bool
}

// Option configures a Decoder.
type Option func(*config)

// WithVerboseLogging enables log.Printf-based tracing of block
// boundaries as they are found and decoded.
func WithVerboseLogging(v bool) Option {
	return func(c *config) { c.verbose = v }
}
