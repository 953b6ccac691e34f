package codec

import "github.com/bytedance/sonic"

type sonicStd struct{}

// Sonic is a lenient, std-compatible codec for the per-frame hot path
// (side-channel messages, upstream relay metadata, replayed result lines).
var Sonic Codec = sonicStd{}

var sonicConfig = sonic.ConfigStd

func (sonicStd) Marshal(v any) ([]byte, error)      { return sonicConfig.Marshal(v) }
func (sonicStd) Unmarshal(data []byte, v any) error { return sonicConfig.Unmarshal(data, v) }
func (sonicStd) ContentType() string                { return "application/json" }
