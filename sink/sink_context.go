package sink

import "go.uber.org/zap"

// SinkContext holds shared sink configuration and the resolved
// destination identity. It is immutable after Open — fields must not be
// modified except for Datacenter, APIEndpoint and ListID which are set
// once during Open, before any records are processed.
type SinkContext struct {
	Config         Config
	RecordRequests bool

	// Resolved during Open
	Datacenter  string
	APIEndpoint string
	ListID      string
	ListName    string

	// MetadataEndpoint overrides OAuthMetadataURL, for tests.
	MetadataEndpoint string

	Log *zap.Logger
}

// Logger returns the configured logger, or a no-op logger if none was set.
func (s *SinkContext) Logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
