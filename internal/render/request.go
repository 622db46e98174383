package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Request is a render request as clients send it: query parameters or a
// JSON body with loosely typed fields.
type Request struct {
	Action          string     `json:"action"`
	URL             string     `json:"url"`
	Content         string     `json:"content"`
	DataType        string     `json:"dataType"`
	Selector        string     `json:"wrapSelector"`
	ErrorSelector   string     `json:"errorSelector"`
	MinCount        Int        `json:"wrapMinCount"`
	MaxCount        Int        `json:"wrapMaxCount"`
	FindTimeout     Int        `json:"wrapFindTimeout"`
	Viewport        Pair       `json:"viewport"`
	ImageType       string     `json:"imageType"`
	ImageQuality    Int        `json:"imageQuality"`
	ImageSize       ImageSize  `json:"imageSize"`
	BackgroundColor string     `json:"backgroundColor"`
	RenderDelay     Int        `json:"renderDelay"`
	PDF             PDFRequest `json:"pdfOptions"`
}

// PDFRequest holds the PDF page options. Sizes are CSS pixels.
type PDFRequest struct {
	Width             Int   `json:"width"`
	Height            Int   `json:"height"`
	DPI               Int   `json:"dpi"`
	Landscape         bool  `json:"landscape"`
	PrintBackground   *bool `json:"printBackground"`
	PreferCSSPageSize bool  `json:"preferCSSPageSize"`
}

// Int decodes from a JSON number or a numeric string.
type Int int

// UnmarshalJSON implements json.Unmarshaler.
func (n *Int) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", b)
	}
	*n = Int(f)
	return nil
}

// Pair is a width,height tuple given as "w,h", "[w,h]" or [w,h].
type Pair [2]int

// ParsePair reads "w,h" with optional brackets. Missing parts are zero.
func ParsePair(s string) (Pair, error) {
	var p Pair
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return p, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return p, fmt.Errorf("invalid size %q", s)
	}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return p, fmt.Errorf("invalid size %q", s)
		}
		p[i] = int(f)
	}
	return p, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Pair) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*p = Pair{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParsePair(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	default:
		var items []Int
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("invalid size %s", b)
		}
		if len(items) > 2 {
			return fmt.Errorf("invalid size %s", b)
		}
		*p = Pair{}
		for i, v := range items {
			p[i] = int(v)
		}
		return nil
	}
}

// ImageSize is the requested output size and crop anchor. It accepts a pair
// or {width, height, position}; "type" is the legacy name of position.
type ImageSize struct {
	Width    int
	Height   int
	Position string
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ImageSize) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		var p Pair
		if err := p.UnmarshalJSON(b); err != nil {
			return err
		}
		*s = ImageSize{Width: p[0], Height: p[1]}
		return nil
	}
	var raw struct {
		Width    Int             `json:"width"`
		Height   Int             `json:"height"`
		Position json.RawMessage `json:"position"`
		Type     json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("invalid imageSize: %w", err)
	}
	pos := raw.Position
	if len(pos) == 0 {
		pos = raw.Type
	}
	*s = ImageSize{Width: int(raw.Width), Height: int(raw.Height), Position: looseString(pos)}
	return nil
}

func looseString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// RequestFromValues reads a Request from query or form parameters. JSON
// object parameters (imageSize, pdfOptions) may be passed as JSON text.
func RequestFromValues(v url.Values) (Request, error) {
	req := Request{
		Action:          v.Get("action"),
		URL:             v.Get("url"),
		Content:         v.Get("content"),
		DataType:        v.Get("dataType"),
		Selector:        v.Get("wrapSelector"),
		ErrorSelector:   v.Get("errorSelector"),
		ImageType:       v.Get("imageType"),
		BackgroundColor: v.Get("backgroundColor"),
	}
	ints := []struct {
		key string
		dst *Int
	}{
		{"wrapMinCount", &req.MinCount},
		{"wrapMaxCount", &req.MaxCount},
		{"wrapFindTimeout", &req.FindTimeout},
		{"imageQuality", &req.ImageQuality},
		{"renderDelay", &req.RenderDelay},
	}
	for _, f := range ints {
		if s := v.Get(f.key); s != "" {
			if err := f.dst.UnmarshalJSON([]byte(s)); err != nil {
				return req, fmt.Errorf("%s: %w", f.key, err)
			}
		}
	}
	if s := v.Get("viewport"); s != "" {
		p, err := ParsePair(s)
		if err != nil {
			return req, fmt.Errorf("viewport: %w", err)
		}
		req.Viewport = p
	}
	if s := v.Get("imageSize"); s != "" {
		if err := req.ImageSize.UnmarshalJSON(quoteUnlessJSON(s)); err != nil {
			return req, fmt.Errorf("imageSize: %w", err)
		}
	}
	if s := v.Get("pdfOptions"); s != "" {
		if err := json.Unmarshal([]byte(s), &req.PDF); err != nil {
			return req, fmt.Errorf("pdfOptions: %w", err)
		}
	}
	return req, nil
}

func quoteUnlessJSON(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return []byte(s)
	}
	b, _ := json.Marshal(s)
	return b
}
