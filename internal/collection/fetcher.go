// Package collection downloads collection tarballs from the registry and
// reads pattern definitions out of them.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/patternservice/patternd/internal/failure"
)

// ErrDefinitionNotFound is returned when the archive has no pattern.json for
// the requested pattern.
var ErrDefinitionNotFound = errors.New("pattern definition not found")

const artifactsPath = "/api/galaxy/v3/plugin/ansible/content/published/collections/artifacts/"

var tracer = otel.Tracer("github.com/patternservice/patternd/internal/collection")

// Opener streams a GET of an absolute URL. controller.Session implements it.
type Opener interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
	Close()
}

// Observer is told how each definition fetch ended: "ok", "not_found" or "error".
type Observer interface {
	ObserveCollectionFetch(result string)
}

// Fetcher downloads and unpacks collections into scoped scratch directories.
type Fetcher struct {
	RegistryURL string
	ScratchDir  string // empty means os.TempDir()
	MaxBytes    int64  // extracted size limit; zero means unlimited
	NewSession  func() Opener
	Observer    Observer
	Logger      *log.Logger
}

// Fetched is a parsed definition and the URI it was downloaded from.
type Fetched struct {
	Definition json.RawMessage
	URI        string
}

// BuildURI returns the registry download URI for a collection version.
// Dots in the collection name become dashes.
func BuildURI(base, collectionName, version string) string {
	base = strings.TrimRight(base, "/")
	return base + artifactsPath + strings.ReplaceAll(collectionName, ".", "-") + "-" + version + ".tar.gz"
}

// DefinitionPath is the location of a pattern's definition inside a collection.
func DefinitionPath(patternName string) string {
	return filepath.Join("extensions", "patterns", patternName, "meta", "pattern.json")
}

// WithCollection downloads and extracts the collection into a fresh temp
// directory named after the collection, runs fn on the extracted tree and
// removes the temp directory on every exit path, panics included.
func (f *Fetcher) WithCollection(ctx context.Context, name, version string, fn func(dir string) error) (err error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(version) == "" {
		return failure.New(failure.KindValidation, "collection name and version are required")
	}
	if strings.ContainsAny(name+version, `/\`) {
		return failure.Newf(failure.KindValidation, "invalid collection %s-%s", name, version)
	}
	if f.NewSession == nil {
		return errors.New("collection fetcher has no session factory")
	}
	tmp, err := os.MkdirTemp(f.ScratchDir, name+"*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			f.logger().Printf("collection: remove scratch dir %s: %v", tmp, rmErr)
		}
	}()

	uri := BuildURI(f.RegistryURL, name, version)
	session := f.NewSession()
	defer session.Close()
	body, err := session.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer body.Close()

	dest := filepath.Join(tmp, name+"-"+version)
	if err := extractTarGz(body, dest, f.MaxBytes); err != nil {
		return err
	}
	return fn(dest)
}

// LoadDefinition fetches the collection and returns the pattern's
// definition document, which must be a JSON object.
func (f *Fetcher) LoadDefinition(ctx context.Context, name, version, patternName string) (Fetched, error) {
	ctx, span := tracer.Start(ctx, "collection.LoadDefinition")
	span.SetAttributes(
		attribute.String("collection.name", name),
		attribute.String("collection.version", version),
		attribute.String("pattern.name", patternName),
	)
	defer span.End()

	out, err := f.loadDefinition(ctx, name, version, patternName)
	switch {
	case err == nil:
		f.observe("ok")
	case failure.Is(err, failure.KindNotFound):
		f.observe("not_found")
	default:
		f.observe("error")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (f *Fetcher) loadDefinition(ctx context.Context, name, version, patternName string) (Fetched, error) {
	if patternName == "" || patternName == "." || patternName == ".." || strings.ContainsAny(patternName, `/\`) {
		return Fetched{}, failure.Newf(failure.KindValidation, "invalid pattern name %q", patternName)
	}
	var raw []byte
	err := f.WithCollection(ctx, name, version, func(dir string) error {
		path := filepath.Join(dir, DefinitionPath(patternName))
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return failure.Wrap(failure.KindNotFound, "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, DefinitionPath(patternName)))
		}
		if err != nil {
			return fmt.Errorf("read definition: %w", err)
		}
		raw = data
		return nil
	})
	if err != nil {
		return Fetched{}, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		if err == nil {
			err = errors.New("document is not an object")
		}
		return Fetched{}, failure.Wrap(failure.KindValidation, "parse pattern.json", err)
	}
	return Fetched{Definition: json.RawMessage(raw), URI: BuildURI(f.RegistryURL, name, version)}, nil
}

func (f *Fetcher) observe(result string) {
	if f.Observer != nil {
		f.Observer.ObserveCollectionFetch(result)
	}
}

func (f *Fetcher) logger() *log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.Default()
}
