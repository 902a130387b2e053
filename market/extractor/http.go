package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/netutil"
	"github.com/m3rciful/marketbot/market/listing"
)

const (
	defaultTemperature = 0.3
	defaultMaxTokens   = 1000
	maxErrorBody       = 512
	maxResponseBody    = 1 << 20

	systemPrompt = "You are a product information extraction expert. Analyze the product description " +
		"and extract the requested attributes. Respond with a single JSON object of the form " +
		"{\"attributes\": {...}, \"confidence\": <number>, \"price_suggestion\": {...}}. " +
		"\"attributes\" maps attribute names to string values; omit attributes you cannot determine. " +
		"\"confidence\" is between 0 and 1. \"price_suggestion\" estimates the second-hand market value as " +
		"{\"min_price\": <number>, \"max_price\": <number>, \"currency\": \"USD\", \"reasoning\": \"brief explanation\"}; " +
		"use 0 for both prices when you cannot estimate."
)

// HTTPConfig configures an OpenAI-compatible chat completions endpoint.
type HTTPConfig struct {
	URL    string
	APIKey string
	Model  string
	// Temperature defaults to 0.3 when nil.
	Temperature *float64
	MaxTokens   int
	// Referer and Title are sent as HTTP-Referer and X-Title when set.
	Referer string
	Title   string
}

// HTTPClient extracts attributes through a chat completions API.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient builds a client. A nil hc uses a client without timeout;
// deadlines come from the caller's context.
func NewHTTPClient(cfg HTTPConfig, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{cfg: cfg, httpClient: hc}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends one completion request. It never retries.
func (c *HTTPClient) Extract(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, &Error{Kind: KindInput, Err: errors.New("empty text")}
	}
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return Result{}, &Error{Kind: KindInput, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: KindInput, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		xerr := classifyTransport(ctx, err)
		logger.Warn(ctx, logger.CompExtractor, "extract.request",
			slog.String("status", "fail"),
			slog.String("err_code", string(xerr.Kind)),
			slog.Bool("retryable", xerr.Retryable),
			slog.Duration("duration", time.Since(start)),
			slog.String("err", err.Error()),
		)
		return Result{}, xerr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		xerr := statusError(resp.StatusCode, strings.TrimSpace(string(snippet)))
		logger.Warn(ctx, logger.CompExtractor, "extract.request",
			slog.String("status", "fail"),
			slog.Int("http_code", resp.StatusCode),
			slog.Bool("retryable", xerr.Retryable),
			slog.Duration("duration", time.Since(start)),
		)
		return Result{}, xerr
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, classifyTransport(ctx, err)
	}
	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return Result{}, &Error{Kind: KindEmpty, Err: errors.New("no content in completion")}
	}

	res, err := ParseContent(decoded.Choices[0].Message.Content, req.Expected)
	if err != nil {
		return Result{}, err
	}
	logger.Debug(ctx, logger.CompExtractor, "extract.done",
		slog.Int("http_code", resp.StatusCode),
		slog.Int("count", res.Attributes.Len()),
		slog.Float64("confidence", res.Confidence),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (c *HTTPClient) buildRequest(req Request) chatRequest {
	opts := req.Options
	if opts.Model == "" {
		opts.Model = c.cfg.Model
	}
	temperature := defaultTemperature
	switch {
	case opts.Temperature != nil:
		temperature = *opts.Temperature
	case c.cfg.Temperature != nil:
		temperature = *c.cfg.Temperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = c.cfg.MaxTokens
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return chatRequest{
		Model: opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
		Temperature: temperature,
		MaxTokens:   opts.MaxTokens,
	}
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %q\n", req.Text)
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	fmt.Fprintf(&b, "Subcategory: %s\n", req.Subcategory)
	if len(req.Expected) > 0 {
		quoted := make([]string, len(req.Expected))
		for i, name := range req.Expected {
			quoted[i] = strconv.Quote(name)
		}
		fmt.Fprintf(&b, "Attributes to extract: [%s]\n", strings.Join(quoted, ", "))
	}
	b.WriteString("Return only the JSON object.")
	return b.String()
}

func classifyTransport(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Retryable: true, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, io.ErrUnexpectedEOF):
		return &Error{Kind: KindTransport, Retryable: true, Err: err}
	}
	return &Error{Kind: KindTransport, Retryable: netutil.ShouldRetry(err), Err: err}
}

// ParseContent extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose. Both the enveloped form
// {"attributes": {...}, "confidence": n, "price_suggestion": {...}} and a
// flat attribute object are accepted.
func ParseContent(content string, expected []string) (Result, error) {
	obj, ok := jsonObject(content)
	if !ok {
		return Result{}, &Error{Kind: KindMalformed, Err: errors.New("no JSON object in completion")}
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &top); err != nil {
		return Result{}, &Error{Kind: KindMalformed, Err: err}
	}
	body := []byte(obj)
	if nested, ok := member(top, "attributes"); ok && isObject(nested) {
		body = nested
	}
	raw, err := flatAttributes(body)
	if err != nil {
		return Result{}, &Error{Kind: KindMalformed, Err: err}
	}

	attrs := arrange(raw, expected)
	conf := Confidence(attrs, expected)
	if v, ok := member(top, "confidence"); ok && attrs.Len() > 0 {
		if f, ok := number(v); ok && f >= 0 {
			conf = clamp01(f)
		}
	}
	res := Result{Attributes: attrs, Confidence: conf}
	if v, ok := member(top, "price_suggestion"); ok {
		res.PriceSuggestion = priceSuggestion(v)
	}
	return res, nil
}

var reservedKeys = map[string]struct{}{"confidence": {}, "price_suggestion": {}}

// flatAttributes decodes one JSON object in key order. Arrays of scalars are
// joined with ", ", nested objects are dropped.
func flatAttributes(data []byte) (listing.Attributes, error) {
	var out listing.Attributes
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return out, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return out, errors.New("attributes are not an object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return out, err
		}
		key, ok := kt.(string)
		if !ok {
			return out, fmt.Errorf("non-string key %v", kt)
		}
		val, err := flatValue(dec)
		if err != nil {
			return out, err
		}
		if _, skip := reservedKeys[strings.ToLower(key)]; skip || val == "" {
			continue
		}
		out.Set(key, val)
	}
	_, err = dec.Token()
	return out, err
}

func flatValue(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	switch v := tok.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Delim:
		var parts []string
		for dec.More() {
			if v == '{' {
				if _, err := dec.Token(); err != nil {
					return "", err
				}
			}
			s, err := flatValue(dec)
			if err != nil {
				return "", err
			}
			if v == '[' && s != "" {
				parts = append(parts, s)
			}
		}
		if _, err := dec.Token(); err != nil {
			return "", err
		}
		return strings.Join(parts, ", "), nil
	}
	return "", nil
}

func member(obj map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func isObject(raw json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}

// number accepts a JSON number or a numeric string.
func number(raw json.RawMessage) (float64, bool) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimLeft(strings.TrimSpace(s), "$€£")
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return f, err == nil
}

func priceSuggestion(raw json.RawMessage) *listing.PriceSuggestion {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	var ps listing.PriceSuggestion
	if v, ok := member(fields, "min_price"); ok {
		ps.MinPrice, _ = number(v)
	}
	if v, ok := member(fields, "max_price"); ok {
		ps.MaxPrice, _ = number(v)
	}
	if v, ok := member(fields, "currency"); ok {
		_ = json.Unmarshal(v, &ps.Currency)
	}
	if v, ok := member(fields, "reasoning"); ok {
		_ = json.Unmarshal(v, &ps.Reasoning)
	}
	if !ps.Usable() {
		return nil
	}
	ps.Currency = strings.ToUpper(strings.TrimSpace(ps.Currency))
	ps.Reasoning = strings.TrimSpace(ps.Reasoning)
	return &ps
}

func jsonObject(content string) (string, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
