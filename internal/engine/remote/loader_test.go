package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcules/opus-mt-server/internal/engine"
)

// fakeSidecar tokenizes by runes, "generates" by reversing each sequence and
// detokenizes back to text.
type fakeSidecar struct {
	mu       sync.Mutex
	loaded   map[string]string
	unloaded []string
	lastTok  tokenizeReq
	failGen  bool
}

func newFakeSidecar(t *testing.T) (*fakeSidecar, *httptest.Server) {
	f := &fakeSidecar{loaded: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/models/load", func(w http.ResponseWriter, r *http.Request) {
		var req loadReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		handle := req.Model + "#1"
		f.loaded[handle] = req.Path
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, loadResp{Handle: handle})
	})
	mux.HandleFunc("/models/unload", func(w http.ResponseWriter, r *http.Request) {
		var req unloadReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.unloaded = append(f.unloaded, req.Handle)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req tokenizeReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.lastTok = req
		f.mu.Unlock()
		var out tokenizeResp
		for _, s := range req.Texts {
			var ids, mask []int
			for _, c := range s {
				ids = append(ids, int(c))
				mask = append(mask, 1)
			}
			out.InputIDs = append(out.InputIDs, ids)
			out.AttentionMask = append(out.AttentionMask, mask)
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.failGen
		f.mu.Unlock()
		if fail {
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "CUDA out of memory"})
			return
		}
		var req generateReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		var out generateResp
		for _, ids := range req.InputIDs {
			rev := make([]int, len(ids))
			for i, id := range ids {
				rev[len(ids)-1-i] = id
			}
			out.Sequences = append(out.Sequences, rev)
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		var req detokenizeReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		var out detokenizeResp
		for _, seq := range req.Sequences {
			var sb strings.Builder
			for _, id := range seq {
				sb.WriteRune(rune(id))
			}
			out.Texts = append(out.Texts, sb.String())
		}
		writeJSON(w, http.StatusOK, out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeModelDir(t *testing.T, config, tokenizer string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "opus-mt-en-es")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	}
	if tokenizer != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(tokenizer), 0o644))
	}
	return dir
}

func TestReadConfig(t *testing.T) {
	dir := writeModelDir(t, `{"model_type":"marian","vocab_size":65001,"max_length":512,"num_beams":4}`, `{"model_max_length":256}`)
	cfg, maxLen, err := ReadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 65001, cfg.VocabSize)
	assert.Equal(t, 4, cfg.NumBeams)
	assert.Equal(t, 256, maxLen)

	dir = writeModelDir(t, `{"model_type":"marian"}`, "")
	_, maxLen, err = ReadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxLength, maxLen)

	_, _, err = ReadConfig(writeModelDir(t, "", ""))
	assert.ErrorIs(t, err, ErrMissingConfig)

	_, _, err = ReadConfig(writeModelDir(t, `{"model_type":"bert"}`, ""))
	assert.Error(t, err)

	_, _, err = ReadConfig(writeModelDir(t, `not json`, ""))
	assert.Error(t, err)
}

func TestLoaderRoundTrip(t *testing.T) {
	f, srv := newFakeSidecar(t)
	client := New(srv.URL, 5*time.Second)
	require.NoError(t, client.Health(context.Background()))

	dir := writeModelDir(t, `{"model_type":"marian","num_beams":4}`, `{"model_max_length":128}`)
	m, tok, err := NewLoader(client).Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "opus-mt-en-es#1", m.(*Model).Handle())

	out, err := engine.Run(context.Background(), m, tok, []string{"abc", "hello"}, engine.EncodeOptions{Padding: true, Truncation: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"cba", "olleh"}, out)

	f.mu.Lock()
	assert.True(t, f.lastTok.Padding)
	assert.Equal(t, 128, f.lastTok.MaxLength)
	f.mu.Unlock()

	require.NoError(t, m.(engine.Closer).Close(context.Background()))
	f.mu.Lock()
	assert.Equal(t, []string{"opus-mt-en-es#1"}, f.unloaded)
	f.mu.Unlock()
}

func TestGenerateErrorIsSurfaced(t *testing.T) {
	f, srv := newFakeSidecar(t)
	f.mu.Lock()
	f.failGen = true
	f.mu.Unlock()

	dir := writeModelDir(t, `{}`, "")
	m, tok, err := NewLoader(New(srv.URL, time.Second)).Load(context.Background(), dir)
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), m, tok, []string{"x"}, engine.EncodeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Contains(t, err.Error(), "status=500")
}

func TestLoadFailsWithoutSidecar(t *testing.T) {
	dir := writeModelDir(t, `{}`, "")
	_, _, err := NewLoader(New("http://127.0.0.1:1", 200*time.Millisecond)).Load(context.Background(), dir)
	assert.Error(t, err)
}
