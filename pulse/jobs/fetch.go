package jobs

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
)

// FetchDefinitions resolves src to a local definition file. Local paths are
// returned as-is; anything else (https, s3, git, ...) is downloaded into dir
// under the source's base name so its extension still selects the format.
func FetchDefinitions(ctx context.Context, src, dir string, log *zap.SugaredLogger) (string, error) {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(src, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrapf(err, "failed to detect source type of %s", src)
	}
	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse detected URL")
	}

	if u.Scheme == "" || u.Scheme == "file" {
		local := src
		if u.Scheme == "file" {
			local = u.Path
		}
		if _, err := os.Stat(local); err != nil {
			return "", errors.Wrapf(err, "definition file %s", local)
		}
		return local, nil
	}

	name := path.Base(u.Path)
	if _, err := FormatForPath(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", dir)
	}
	dst := filepath.Join(dir, name)

	log.Infow("Fetching job definitions",
		"source", src,
		"detected", detected,
		"destination", dst)

	client := &getter.Client{
		Ctx:     ctx,
		Src:     detected,
		Dst:     dst,
		Mode:    getter.ClientModeFile,
		Getters: getter.Getters,
	}
	if err := client.Get(); err != nil {
		return "", errors.Wrapf(err, "failed to fetch %s", src)
	}
	return dst, nil
}
