// Package model declares model identity types shared by the cache, the
// loader and the inference engines.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Role is the inference slot a model serves.
type Role int

const (
	RoleUnknown Role = iota
	RoleSTT
	RoleLLM
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleSTT:
		return "stt"
	case RoleLLM:
		return "llm"
	default:
		return "unknown"
	}
}

// ParseRole parses a wire name produced by [Role.String].
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stt":
		return RoleSTT, nil
	case "llm":
		return RoleLLM, nil
	default:
		return RoleUnknown, fmt.Errorf("model: unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Quantization is the weight storage scheme.
type Quantization string

const (
	F32  Quantization = "f32"
	Q8_0 Quantization = "q8_0"
	Q4_0 Quantization = "q4_0"
)

// Valid reports whether q is a known scheme.
func (q Quantization) Valid() bool {
	switch q {
	case F32, Q8_0, Q4_0:
		return true
	}
	return false
}

// Key identifies one cache entry.
type Key struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

func (k Key) String() string { return k.ID + "@" + k.Version }

// Descriptor identifies a model blob and where to get it.
type Descriptor struct {
	// ID is the stable model identifier, e.g. "whisper-tiny.en".
	ID string `yaml:"id" msgpack:"id" json:"id"`

	// Version distinguishes successive blobs of the same model.
	Version string `yaml:"version" msgpack:"version" json:"version"`

	// Family is the architecture family, e.g. "whisper" or "phi".
	Family string `yaml:"family" msgpack:"family" json:"family"`

	// Variant is the size variant, e.g. "tiny" or "2.7b".
	Variant string `yaml:"variant" msgpack:"variant" json:"variant"`

	Role         Role         `yaml:"role" msgpack:"role" json:"role"`
	Quantization Quantization `yaml:"quantization" msgpack:"quantization" json:"quantization"`

	// URL is the primary download location (http, https or file).
	URL string `yaml:"url" msgpack:"url" json:"url"`

	// Mirrors are tried in order when URL fails.
	Mirrors []string `yaml:"mirrors" msgpack:"mirrors" json:"mirrors,omitempty"`

	// Size is the exact blob size in bytes.
	Size int64 `yaml:"size" msgpack:"size" json:"size"`

	// SHA256 is the hex-encoded checksum of the blob.
	SHA256 string `yaml:"sha256" msgpack:"sha256" json:"sha256"`

	// RAMBytes is the estimated resident memory once loaded.
	RAMBytes int64 `yaml:"ram_bytes" msgpack:"ram_bytes" json:"ram_bytes,omitempty"`
}

// Key returns the cache key.
func (d Descriptor) Key() Key { return Key{ID: d.ID, Version: d.Version} }

// URLs returns the primary URL followed by the mirrors.
func (d Descriptor) URLs() []string {
	return append([]string{d.URL}, d.Mirrors...)
}

// Validate reports every missing or malformed field.
func (d Descriptor) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if d.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if d.Role != RoleSTT && d.Role != RoleLLM {
		errs = append(errs, fmt.Errorf("role %q is not stt or llm", d.Role))
	}
	if !d.Quantization.Valid() {
		errs = append(errs, fmt.Errorf("quantization %q is not supported", d.Quantization))
	}
	if d.Size <= 0 {
		errs = append(errs, errors.New("size must be positive"))
	}
	if len(d.SHA256) != 64 {
		errs = append(errs, errors.New("sha256 must be 64 hex characters"))
	}
	for _, u := range d.URLs() {
		if err := validateURL(u); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("model: descriptor %s: %w", d.Key(), err)
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "file", "":
		return nil
	default:
		return fmt.Errorf("url %q: unsupported scheme %q", raw, u.Scheme)
	}
}
