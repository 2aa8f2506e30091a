package codec

import "github.com/junbin-yang/coapd/pkg/coaperr"

// ResponseCodeForParseError turns a parse failure into the response code a
// listener should send back, for the cases where enough of the message
// survived parsing to answer at all.
func ResponseCodeForParseError(err error) Code {
	switch err {
	case coaperr.ErrUnknownCriticalOption:
		return BadOption
	default:
		return BadRequest
	}
}
