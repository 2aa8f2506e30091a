// Package codec converts between CoAP wire bytes and structured messages
// for both the UDP framing (RFC 7252 §3) and the TCP framing (RFC 8323
// §3.3). Option delta/length encoding is shared between the two.
package codec

import "sort"

// Version is the only CoAP version this implementation understands.
const Version = 1

// Type is the CoAP message type (RFC 7252 §3).
type Type uint8

const (
	Confirmable    Type = 0
	NonConfirmable Type = 1
	Acknowledgement Type = 2
	Reset          Type = 3
)

// Code is the 8-bit method/response/signaling code, split class*32+detail.
type Code uint8

func NewCode(class, detail uint8) Code { return Code(class)<<5 | Code(detail&0x1F) }

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1F }

// Request methods.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes. The numeric form is canonical; dotted strings (via
// Dotted below) are for display only.
const (
	Created               Code = 65  // 2.01
	Deleted               Code = 66  // 2.02
	Valid                 Code = 67  // 2.03
	Changed               Code = 68  // 2.04
	Content               Code = 69  // 2.05
	BadRequest            Code = 128 // 4.00
	Unauthorized          Code = 129 // 4.01
	BadOption             Code = 130 // 4.02
	Forbidden             Code = 131 // 4.03
	NotFound              Code = 132 // 4.04
	MethodNotAllowed      Code = 133 // 4.05
	NotAcceptable         Code = 134 // 4.06
	PreconditionFailed    Code = 140 // 4.12
	RequestEntityTooLarge Code = 141 // 4.13
	UnsupportedContentFormat Code = 143 // 4.15
	InternalServerError   Code = 160 // 5.00
	NotImplemented        Code = 161 // 5.01
	BadGateway            Code = 162 // 5.02
	ServiceUnavailable    Code = 163 // 5.03
	GatewayTimeout        Code = 164 // 5.04
	ProxyingNotSupported  Code = 165 // 5.05
	Empty                 Code = 0
)

// RFC 8323 TCP signaling codes (7.xx).
const (
	SignalCSM     Code = 225 // 7.01
	SignalPing    Code = 226 // 7.02
	SignalPong    Code = 227 // 7.03
	SignalRelease Code = 228 // 7.04
	SignalAbort   Code = 229 // 7.05
)

// Dotted renders a response/signaling code as "c.dd" for logs only.
func (c Code) Dotted() string {
	class := c.Class()
	detail := c.Detail()
	digits := "0123456789"
	return string([]byte{digits[class], '.', digits[detail/10], digits[detail%10]})
}

// Option numbers recognized by this implementation.
const (
	OptionIfMatch       = 1
	OptionUriHost       = 3
	OptionETag          = 4
	OptionIfNoneMatch   = 5
	OptionObserve       = 6
	OptionUriPort       = 7
	OptionLocationPath  = 8
	OptionUriPath       = 11
	OptionContentFormat = 12
	OptionMaxAge        = 14
	OptionUriQuery      = 15
	OptionAccept        = 17
	OptionLocationQuery = 20
	OptionProxyUri      = 35
	OptionProxyScheme   = 39
	OptionSize1         = 60
)

// RFC 8323 §5.3 signaling option numbers, carried on 7.xx messages only.
const (
	OptionMaxMessageSize     = 2
	OptionBlockWiseTransfer  = 4
)

// repeatableOptions lists option numbers whose values append in order
// rather than overwriting a prior value.
var repeatableOptions = map[uint32]bool{
	OptionIfMatch:      true,
	OptionETag:         true,
	OptionLocationPath: true,
	OptionUriPath:      true,
	OptionUriQuery:     true,
}

func IsRepeatable(num uint32) bool { return repeatableOptions[num] }

// IsCritical reports whether an option number is critical (odd, per RFC 7252 §5.4.1):
// an unrecognized critical option MUST cause the recipient to reject the message.
func IsCritical(num uint32) bool { return num%2 == 1 }

// knownOptions is the registry of option numbers this codec recognizes;
// extending it is a matter of adding an entry here.
var knownOptions = map[uint32]bool{
	OptionIfMatch: true, OptionUriHost: true, OptionETag: true,
	OptionIfNoneMatch: true, OptionObserve: true, OptionUriPort: true,
	OptionLocationPath: true, OptionUriPath: true, OptionContentFormat: true,
	OptionMaxAge: true, OptionUriQuery: true, OptionAccept: true,
	OptionLocationQuery: true, OptionProxyUri: true, OptionProxyScheme: true,
	OptionSize1: true,
	// OptionBlockWiseTransfer shares number 4 with OptionETag, already listed.
	OptionMaxMessageSize: true,
}

func IsKnown(num uint32) bool { return knownOptions[num] }

// Option is a single decoded option: number plus opaque value.
type Option struct {
	Number uint32
	Value  []byte
}

// Message is the core CoAP entity, shared by UDP and TCP framing.
// UDP-only fields (Type, MessageID) are zero/ignored on the TCP path.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// sortOptions canonicalizes option order ascending by number, stable so
// that repeatable options of the same number keep their insertion order.
// This is what makes parse(serialize(m)) structurally comparable.
func (m *Message) sortOptions() {
	sort.SliceStable(m.Options, func(i, j int) bool {
		return m.Options[i].Number < m.Options[j].Number
	})
}

// GetOption returns the first value for an option number, if any.
func (m *Message) GetOption(num uint32) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == num {
			return o.Value, true
		}
	}
	return nil, false
}

// GetOptions returns all values for a (repeatable) option number, in order.
func (m *Message) GetOptions(num uint32) [][]byte {
	var out [][]byte
	for _, o := range m.Options {
		if o.Number == num {
			out = append(out, o.Value)
		}
	}
	return out
}

// SetOption overwrites all existing values for num with a single value.
func (m *Message) SetOption(num uint32, value []byte) {
	filtered := m.Options[:0]
	for _, o := range m.Options {
		if o.Number != num {
			filtered = append(filtered, o)
		}
	}
	m.Options = append(filtered, Option{Number: num, Value: value})
	m.sortOptions()
}

// AddOption appends another value for a repeatable option number.
func (m *Message) AddOption(num uint32, value []byte) {
	m.Options = append(m.Options, Option{Number: num, Value: value})
	m.sortOptions()
}

// RemoveOption drops every value stored under num.
func (m *Message) RemoveOption(num uint32) {
	filtered := m.Options[:0]
	for _, o := range m.Options {
		if o.Number != num {
			filtered = append(filtered, o)
		}
	}
	m.Options = filtered
}

// IsObserve reports whether the message carries an Observe option at all.
func (m *Message) IsObserve() bool {
	_, ok := m.GetOption(OptionObserve)
	return ok
}

// UriPath reassembles the Uri-Path segments into a leading-slash path,
// "/" when there are none.
func (m *Message) UriPath() string {
	segs := m.GetOptions(OptionUriPath)
	if len(segs) == 0 {
		return "/"
	}
	path := ""
	for _, s := range segs {
		path += "/" + string(s)
	}
	return path
}

// SetUriPath replaces any existing Uri-Path options with the segments of path.
func (m *Message) SetUriPath(path string) {
	m.RemoveOption(OptionUriPath)
	for _, seg := range splitPath(path) {
		if seg != "" {
			m.AddOption(OptionUriPath, []byte(seg))
		}
	}
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}
