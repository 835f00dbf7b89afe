package fourchan

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/JakeFAU/cabinet/internal/crawler"
)

// Cloudflare carries clearance cookies for endpoints behind a challenge.
type Cloudflare struct {
	BM        string `mapstructure:"bm"`
	Clearance string `mapstructure:"clearance"`
}

// Cookie renders the Cookie header value, skipping unset values.
func (c *Cloudflare) Cookie() string {
	if c == nil {
		return ""
	}
	var pairs []string
	if c.Clearance != "" {
		pairs = append(pairs, "cf_clearance="+c.Clearance)
	}
	if c.BM != "" {
		pairs = append(pairs, "__cf_bm="+c.BM)
	}
	return strings.Join(pairs, "; ")
}

// Options is the four-chan watcher configuration.
type Options struct {
	Name       string          `mapstructure:"name"`
	Type       string          `mapstructure:"type"`
	Endpoint   string          `mapstructure:"endpoint"`
	Cloudflare *Cloudflare     `mapstructure:"cloudflare"`
	Entries    []crawler.Entry `mapstructure:"entries"`
}

// DecodeOptions decodes a stored watcher config.
func DecodeOptions(raw json.RawMessage) (Options, error) {
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return Options{}, fmt.Errorf("unmarshal four-chan options: %w", err)
		}
	}
	var opts Options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Options{}, fmt.Errorf("create options decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return Options{}, fmt.Errorf("decode four-chan options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks the fields the crawler cannot run without.
func (o Options) Validate() error {
	if o.Endpoint == "" {
		return fmt.Errorf("four-chan watcher %q requires an endpoint", o.Name)
	}
	u, err := url.Parse(o.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("four-chan watcher %q has invalid endpoint %q", o.Name, o.Endpoint)
	}
	if o.Cloudflare != nil && o.Cloudflare.Clearance == "" {
		return fmt.Errorf("four-chan watcher %q: cloudflare.clearance is required", o.Name)
	}
	return nil
}
