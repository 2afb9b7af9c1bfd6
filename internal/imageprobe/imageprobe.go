// Package imageprobe derives the format and size of an iconfile from its
// content.
package imageprobe

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

// Metadata describes an image as far as the repository cares.
type Metadata struct {
	Type   string
	Width  float64
	Height float64
	HUnits string
}

// Descriptor returns the format/size pair the image is filed under.
// The size is the height followed by its unit, e.g. "24px".
func (m Metadata) Descriptor() store.IconfileDescriptor {
	return store.IconfileDescriptor{
		Format: m.Type,
		Size:   strconv.FormatFloat(m.Height, 'f', -1, 64) + m.HUnits,
	}
}

// Prober reads image metadata from raw content.
type Prober struct{}

func New() Prober {
	return Prober{}
}

// Probe recognises SVG plus every raster format registered with package image.
func (Prober) Probe(content []byte) (Metadata, error) {
	if len(content) == 0 {
		return Metadata{}, apperr.Validationf("iconfile content is empty")
	}
	if looksLikeSVG(content) {
		return probeSVG(content)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return Metadata{}, apperr.Validationf("unrecognised image content: %v", err)
	}
	return Metadata{
		Type:   format,
		Width:  float64(cfg.Width),
		Height: float64(cfg.Height),
		HUnits: "px",
	}, nil
}

func looksLikeSVG(content []byte) bool {
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("<svg"))
}

type svgRoot struct {
	XMLName xml.Name `xml:"svg"`
	Width   string   `xml:"width,attr"`
	Height  string   `xml:"height,attr"`
	ViewBox string   `xml:"viewBox,attr"`
}

func probeSVG(content []byte) (Metadata, error) {
	var root svgRoot
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return Metadata{}, apperr.Validationf("svg content has no <svg> element")
		}
		if err != nil {
			return Metadata{}, apperr.Validationf("malformed svg: %v", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "svg" {
			continue
		}
		if err := dec.DecodeElement(&root, &start); err != nil {
			return Metadata{}, apperr.Validationf("malformed svg: %v", err)
		}
		break
	}

	meta := Metadata{Type: "svg"}
	var err error
	if root.Height != "" {
		if meta.Height, meta.HUnits, err = parseLength(root.Height); err != nil {
			return Metadata{}, err
		}
		if root.Width != "" {
			if meta.Width, _, err = parseLength(root.Width); err != nil {
				return Metadata{}, err
			}
		}
		return meta, nil
	}

	fields := strings.Fields(strings.ReplaceAll(root.ViewBox, ",", " "))
	if len(fields) != 4 {
		return Metadata{}, apperr.Validationf("svg has neither height nor a usable viewBox")
	}
	if meta.Width, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return Metadata{}, apperr.Validationf("svg viewBox width %q: %v", fields[2], err)
	}
	if meta.Height, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return Metadata{}, apperr.Validationf("svg viewBox height %q: %v", fields[3], err)
	}
	meta.HUnits = "px"
	return meta, nil
}

// parseLength splits an SVG length such as "24px" or "1.5em". A bare number
// is in pixels.
func parseLength(value string) (float64, string, error) {
	value = strings.TrimSpace(value)
	end := len(value)
	for end > 0 && !isNumeric(value[end-1]) {
		end--
	}
	number, unit := value[:end], value[end:]
	n, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, "", apperr.Validationf("svg length %q: %v", value, err)
	}
	if unit == "" {
		unit = "px"
	}
	return n, unit, nil
}

func isNumeric(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.'
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s %gx%g%s", m.Type, m.Width, m.Height, m.HUnits)
}
