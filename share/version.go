package olshare

// BuildVersion is the release version, set at link time with
// -ldflags "-X github.com/sammck-go/onlocal/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"

// ProtocolVersion is the control channel protocol revision. The client
// advertises it in ControlHeader when it opens the control channel.
const ProtocolVersion = "onlocal-v1"

// ControlHeader marks a websocket upgrade on /ws as a tunnel control channel
// rather than a public passthrough stream
const ControlHeader = "X-Onlocal-Control"
