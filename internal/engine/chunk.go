package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	internalPaths "ota-agent/internal"
	"ota-agent/internal/ddi"
)

// Part classifies what a chunk updates
type Part string

const (
	PartOS        Part = "os"
	PartContainer Part = "bApp"
)

// ErrUnknownPart is returned for chunks that are neither OS nor container
var ErrUnknownPart = errors.New("unknown chunk part")

// Chunk is one unit of work of an action, decoded from its own metadata
type Chunk struct {
	Name       string
	Version    string
	Part       Part
	Revision   string
	Autostart  bool
	Autoremove bool
	Notify     bool
	Timeout    time.Duration
}

// ParseChunk decodes a descriptor chunk. Every field comes from c alone.
func ParseChunk(c ddi.Chunk) (Chunk, error) {
	chunk := Chunk{
		Name:    c.Name,
		Version: c.Version,
		Part:    Part(c.Part),
	}

	switch chunk.Part {
	case PartOS, PartContainer:
	default:
		return chunk, fmt.Errorf("%w: %w %q for chunk %s", ddi.ErrProtocol, ErrUnknownPart, c.Part, c.Name)
	}
	if err := validName(c.Name); err != nil {
		return chunk, err
	}

	for _, meta := range c.Metadata {
		switch meta.Key {
		case "rev":
			chunk.Revision = meta.Value
		case "autostart":
			v, err := metaInt(c.Name, meta)
			if err != nil {
				return chunk, err
			}
			chunk.Autostart = v == 1
		case "autoremove":
			v, err := metaInt(c.Name, meta)
			if err != nil {
				return chunk, err
			}
			chunk.Autoremove = v == 1
		case "notify":
			v, err := metaInt(c.Name, meta)
			if err != nil {
				return chunk, err
			}
			chunk.Notify = v == 1
		case "timeout":
			v, err := metaInt(c.Name, meta)
			if err != nil {
				return chunk, err
			}
			chunk.Timeout = time.Duration(v) * time.Second
		}
	}

	if chunk.Revision == "" {
		return chunk, fmt.Errorf("%w: chunk %s has no rev", ddi.ErrProtocol, c.Name)
	}
	return chunk, nil
}

// validName rejects names that do not map to a single directory under the apps root
func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
	case strings.ContainsAny(name, "/\\\x00"):
	case name == internalPaths.AppsRepoDir:
	default:
		return nil
	}
	return fmt.Errorf("%w: invalid chunk name %q", ddi.ErrProtocol, name)
}

func metaInt(chunk string, meta ddi.Metadata) (int, error) {
	v, err := strconv.Atoi(meta.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk %s: %s=%q is not an integer", ddi.ErrProtocol, chunk, meta.Key, meta.Value)
	}
	return v, nil
}

// Label is the human-readable chunk name used in reports
func (c Chunk) Label() string {
	if c.Part == PartOS {
		return fmt.Sprintf("OS %s v.%s", c.Name, c.Version)
	}
	return fmt.Sprintf("App %s v.%s", c.Name, c.Version)
}

// armsListener reports whether the chunk's health is confirmed asynchronously
func (c Chunk) armsListener() bool {
	return c.Autostart && c.Notify && !c.Autoremove
}
