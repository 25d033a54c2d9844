package wsshare

// BuildVersion is the version reported by /version and the version subcommand. Overridden at
// link time with -ldflags "-X github.com/sammck-go/wsproxy/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"

// ProtocolVersion is the WebSocket subprotocol spoken by the client and the dispatcher.
// Bump it whenever the frame layout or a payload shape changes.
const ProtocolVersion = "wsproxy-v1"
