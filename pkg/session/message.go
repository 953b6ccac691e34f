package session

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
)

// EncodeMessage serializes every non-image field of out as one JSON object
// and appends frame_cnt.
func EncodeMessage(out solution.Output, frameCnt uint64) ([]byte, error) {
	body, err := codec.Sonic.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", out, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return nil, fmt.Errorf("encode %T: output is not a JSON object", out)
	}
	msg := make([]byte, 0, len(body)+24)
	msg = append(msg, body[:len(body)-1]...)
	if len(bytes.TrimSpace(body[1:len(body)-1])) > 0 {
		msg = append(msg, ',')
	}
	msg = append(msg, `"frame_cnt":`...)
	msg = strconv.AppendUint(msg, frameCnt, 10)
	return append(msg, '}'), nil
}
