package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used for token estimates. It is close
// enough for budget checks on the llama-family models served by Ollama.
const DefaultEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens estimates how many tokens text occupies. It uses tiktoken's
// [DefaultEncoding] with the BPE tables compiled into the binary, so the
// first call never touches the network. If the tables fail to load it falls
// back to a four-characters-per-token approximation.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		e, err := tiktoken.GetEncoding(DefaultEncoding)
		if err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
