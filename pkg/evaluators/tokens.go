package evaluators

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// encodings caches tiktoken encodings per model; building one is costly.
var encodings = struct {
	sync.RWMutex
	byModel map[string]*tiktoken.Tiktoken
}{byModel: make(map[string]*tiktoken.Tiktoken)}

// estimateTokens counts tokens locally when the provider response omits
// usage. Unknown models fall back to cl100k_base, and if tiktoken cannot
// load at all the rough 4-characters-per-token heuristic applies.
func estimateTokens(model, text string) int64 {
	enc := encodingFor(model)
	if enc == nil {
		return int64((len(text) + 3) / 4)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

func encodingFor(model string) *tiktoken.Tiktoken {
	key := normalizeModel(model)

	encodings.RLock()
	enc, ok := encodings.byModel[key]
	encodings.RUnlock()
	if ok {
		return enc
	}

	encodings.Lock()
	defer encodings.Unlock()
	if enc, ok := encodings.byModel[key]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encodings.byModel[key] = nil
			return nil
		}
	}
	encodings.byModel[key] = enc
	return enc
}

// normalizeModel strips provider prefixes like "openai/" so routed model
// names still resolve to an encoding.
func normalizeModel(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return model
}
