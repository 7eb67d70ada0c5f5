// Package ocr extracts text from images through an external recognizer and
// caches the results as artifacts.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediasync/internal/artifact"
	"github.com/fruitsalade/mediasync/internal/fingerprint"
	"github.com/fruitsalade/mediasync/internal/logging"
	"github.com/fruitsalade/mediasync/internal/mediaerr"
	"github.com/fruitsalade/mediasync/internal/retry"
)

const (
	recognizeTimeout = 30 * time.Second
	DefaultLanguage  = "eng"
)

// Word is a recognized word with its confidence.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is the output of a recognizer.
type Result struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Words      []Word   `json:"words"`
	Lines      []string `json:"lines"`
}

// Recognizer is an OCR engine.
type Recognizer interface {
	Recognize(ctx context.Context, path, lang string) (Result, error)
}

// WebhookRecognizer posts recognition requests to an HTTP OCR service.
type WebhookRecognizer struct {
	url    string
	client *http.Client
	policy retry.Policy
}

// NewWebhookRecognizer creates a recognizer calling url. Connection errors,
// 429 and 5xx responses are retried with retry.DefaultPolicy.
func NewWebhookRecognizer(url string) *WebhookRecognizer {
	return &WebhookRecognizer{
		url:    url,
		client: &http.Client{Timeout: recognizeTimeout},
		policy: retry.DefaultPolicy(),
	}
}

// WithRetry replaces the retry policy.
func (w *WebhookRecognizer) WithRetry(p retry.Policy) *WebhookRecognizer {
	w.policy = p
	return w
}

// WebhookRequest is sent to the OCR service.
type WebhookRequest struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	Language string `json:"language"`
}

// Recognize implements Recognizer.
func (w *WebhookRecognizer) Recognize(ctx context.Context, path, lang string) (Result, error) {
	body, err := json.Marshal(WebhookRequest{
		FilePath: path,
		FileName: filepath.Base(path),
		Language: lang,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	return retry.DoValue(ctx, w.policy, func(ctx context.Context) (Result, error) {
		return w.post(ctx, body)
	})
}

func (w *WebhookRecognizer) post(ctx context.Context, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, retry.Transient(fmt.Errorf("webhook call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Result{}, retry.Transient(err)
		}
		return Result{}, err
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// Engine caches recognizer output per file version and language.
type Engine struct {
	cache        *artifact.Cache
	recognizer   Recognizer
	fingerprints fingerprint.Service
	defaultLang  string
	log          *zap.Logger
}

// NewEngine wraps recognizer with the artifact cache. An empty lang means
// DefaultLanguage.
func NewEngine(cache *artifact.Cache, recognizer Recognizer, lang string) *Engine {
	if lang == "" {
		lang = DefaultLanguage
	}
	return &Engine{
		cache:        cache,
		recognizer:   recognizer,
		fingerprints: fingerprint.StatService{},
		defaultLang:  lang,
		log:          logging.Named("ocr"),
	}
}

// WithFingerprints replaces the fingerprint service.
func (e *Engine) WithFingerprints(s fingerprint.Service) *Engine {
	if s != nil {
		e.fingerprints = s
	}
	return e
}

// Recognize returns the text of the image at path. Recognizer failures are
// reported as ErrUnreadable and are retried on the next call.
func (e *Engine) Recognize(ctx context.Context, path, lang string) (Result, error) {
	if lang == "" {
		lang = e.defaultLang
	}

	fp, err := e.fingerprints.Compute(path)
	if err != nil {
		return Result{}, err
	}

	req := artifact.Request{
		Fingerprint: fp,
		Kind:        artifact.KindOCR,
		Params:      artifact.Params{"lang": lang},
		Ext:         ".json",
	}
	a, err := e.cache.GetOrCompute(ctx, req, func(ctx context.Context) ([]byte, error) {
		res, err := e.recognizer.Recognize(ctx, fp.Path, lang)
		if err != nil {
			e.log.Warn("recognition failed", zap.String("path", fp.Path), zap.Error(err))
			return nil, mediaerr.Unreadable("ocr", fp.Path, err)
		}
		if res.Words == nil {
			res.Words = []Word{}
		}
		if res.Lines == nil {
			res.Lines = []string{}
		}
		return json.Marshal(res)
	})
	if err != nil {
		return Result{}, err
	}

	data, err := e.cache.ReadAll(ctx, a)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decode ocr result %s: %w", a.Location, err)
	}
	return res, nil
}
