// Package models resolves whisper model identifiers to local artifacts,
// downloading them when absent.
package models

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const huggingFaceBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Capabilities describes what a model can do.
type Capabilities struct {
	Multilingual bool `yaml:"multilingual" json:"multilingual"`
	Quantizable  bool `yaml:"quantizable" json:"quantizable"`
	Diarization  bool `yaml:"diarization" json:"diarization"`
}

// Descriptor identifies one downloadable model. Descriptors are values and
// are never modified after the catalog is built.
type Descriptor struct {
	ID                string       `yaml:"id" json:"id"`
	Label             string       `yaml:"label" json:"label"`
	URL               string       `yaml:"url" json:"url"`
	Filename          string       `yaml:"filename" json:"filename"`
	QuantizedURL      string       `yaml:"quantized_url" json:"quantized_url,omitempty"`
	QuantizedFilename string       `yaml:"quantized_filename" json:"quantized_filename,omitempty"`
	SizeBytes         int64        `yaml:"size_bytes" json:"size_bytes,omitempty"`
	Capabilities      Capabilities `yaml:"capabilities" json:"capabilities"`
}

// Artifact returns the URL and local filename to use. The quantized variant is
// only selected when the model supports it.
func (d Descriptor) Artifact(quantized bool) (url, filename string) {
	if quantized && d.Capabilities.Quantizable && d.QuantizedURL != "" && d.QuantizedFilename != "" {
		return d.QuantizedURL, d.QuantizedFilename
	}
	return d.URL, d.Filename
}

func ggml(id, label, quant string, size int64, caps Capabilities) Descriptor {
	d := Descriptor{
		ID:           id,
		Label:        label,
		URL:          huggingFaceBase + "ggml-" + id + ".bin",
		Filename:     "ggml-" + id + ".bin",
		SizeBytes:    size,
		Capabilities: caps,
	}
	if quant != "" {
		d.QuantizedFilename = "ggml-" + id + "-" + quant + ".bin"
		d.QuantizedURL = huggingFaceBase + d.QuantizedFilename
		d.Capabilities.Quantizable = true
	}
	return d
}

var builtin = []Descriptor{
	ggml("tiny", "Tiny (Multilingual)", "q5_1", 77_691_713, Capabilities{Multilingual: true}),
	ggml("tiny.en", "Tiny (English)", "q5_1", 77_704_715, Capabilities{}),
	ggml("base", "Base (Multilingual)", "q5_1", 147_951_465, Capabilities{Multilingual: true}),
	ggml("base.en", "Base (English)", "q5_1", 147_964_211, Capabilities{}),
	ggml("small", "Small (Multilingual)", "q5_1", 487_601_967, Capabilities{Multilingual: true}),
	ggml("small.en", "Small (English)", "q5_1", 487_614_201, Capabilities{}),
	ggml("small.en-tdrz", "Small (English, speaker turns)", "", 487_614_201, Capabilities{Diarization: true}),
	ggml("medium", "Medium (Multilingual)", "q5_0", 1_533_763_059, Capabilities{Multilingual: true}),
	ggml("medium.en", "Medium (English)", "q5_0", 1_533_774_781, Capabilities{}),
	ggml("large-v3", "Large v3", "q5_0", 3_095_033_483, Capabilities{Multilingual: true}),
	ggml("large-v3-turbo", "Large v3 Turbo", "q5_0", 1_624_555_275, Capabilities{Multilingual: true}),
}

// Catalog is an ordered, read-only set of descriptors.
type Catalog struct {
	order []string
	byID  map[string]Descriptor
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{byID: make(map[string]Descriptor, len(builtin))}
	for _, d := range builtin {
		c.add(d)
	}
	return c
}

func (c *Catalog) add(d Descriptor) {
	if _, exists := c.byID[d.ID]; !exists {
		c.order = append(c.order, d.ID)
	}
	c.byID[d.ID] = d
}

// Lookup returns the descriptor registered under id.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	d, ok := c.byID[strings.TrimSpace(id)]
	return d, ok
}

// List returns every descriptor in catalog order.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

type catalogFile struct {
	Models []Descriptor `yaml:"models"`
}

// WithFile returns a new catalog extended with the entries of a YAML catalog
// file. Entries sharing an id with an existing descriptor replace it.
func (c *Catalog) WithFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	next := &Catalog{order: append([]string(nil), c.order...), byID: make(map[string]Descriptor, len(c.byID)+len(file.Models))}
	for id, d := range c.byID {
		next.byID[id] = d
	}
	for i, d := range file.Models {
		if err := validateDescriptor(d); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		next.add(d)
	}
	return next, nil
}

func validateDescriptor(d Descriptor) error {
	var errs []error
	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if strings.TrimSpace(d.URL) == "" {
		errs = append(errs, errors.New("url must not be empty"))
	}
	if strings.TrimSpace(d.Filename) == "" || strings.ContainsAny(d.Filename, `/\`) {
		errs = append(errs, errors.New("filename must be a plain file name"))
	}
	if d.QuantizedFilename != "" && strings.ContainsAny(d.QuantizedFilename, `/\`) {
		errs = append(errs, errors.New("quantized_filename must be a plain file name"))
	}
	return errors.Join(errs...)
}

// IDs returns the sorted ids, for help output.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
