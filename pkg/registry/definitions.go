package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadDefinitions registers every application found in the YAML files under
// directory. A file may hold several documents separated by ---.
func (r *Registry) LoadDefinitions(ctx context.Context, directory string) (int, error) {
	registered := 0

	err := filepath.Walk(directory,
		func(path string, fileInfo os.FileInfo, err error) error {
			if err != nil {
				return err
			}

			if fileInfo.IsDir() {
				return nil
			}
			extension := strings.ToLower(filepath.Ext(path))
			if extension != ".yaml" && extension != ".yml" {
				return nil
			}

			log.Debug().Str("path", path).Msg("Loading application definition file")

			definitionYaml, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			applications, err := DecodeDefinitions(bytes.NewReader(definitionYaml))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			for _, application := range applications {
				if err := r.Register(ctx, application); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				registered++
			}

			return nil
		})
	if err != nil {
		return registered, fmt.Errorf("load application definitions: %w", err)
	}

	return registered, nil
}

func DecodeDefinitions(reader io.Reader) ([]*Application, error) {
	decoder := yaml.NewDecoder(reader)

	var applications []*Application
	for {
		var application Application
		err := decoder.Decode(&application)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if application.Name == "" && application.MongoCollection == "" {
			// Empty document, e.g. a trailing separator
			continue
		}

		applications = append(applications, &application)
	}

	return applications, nil
}
