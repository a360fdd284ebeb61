// Package remote manages declarative files on remote hosts over SSH and
// SFTP. It backs the remote.file resource type:
//
//	type: remote.file
//	properties:
//	  host: web-1.internal   # required
//	  path: /etc/motd        # required, absolute
//	  content: "hello\n"     # file body, default empty
//	  mode: "0644"           # octal string, default 0644
//	  user: deploy           # optional, overrides the adapter config
//	  port: 2222             # optional, overrides the adapter config
//
// The physical id is an ssh:// URL carrying user, host, port and path, so
// deletes work from the id alone. Host or path changes require replacement;
// content and mode converge in place. Check compares the remote file's
// checksum and permission bits against the declared ones.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"

	"github.com/openstratus/stratus/pkg/engine"
	"github.com/openstratus/stratus/pkg/telemetry"
)

const defaultFileMode = os.FileMode(0644)

// Adapter converges remote.file resources over SSH connections from a
// shared pool.
type Adapter struct {
	cfg    *Config
	pool   *clientPool
	logger *telemetry.Logger
}

var (
	_ engine.Adapter   = (*Adapter)(nil)
	_ engine.Validator = (*Adapter)(nil)
)

// New validates the config and creates the adapter.
func New(cfg *Config, tel *telemetry.Telemetry) (*Adapter, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg == nil {
		return nil, fmt.Errorf("remote adapter config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := tel.Logger.NewComponentLogger("adapter.remote")
	return &Adapter{
		cfg:    cfg,
		pool:   newClientPool(cfg, logger),
		logger: logger,
	}, nil
}

// Close drops the pooled SSH connections.
func (a *Adapter) Close() error {
	return a.pool.Close()
}

// Create writes the declared file and returns its ssh:// URL as physical id.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	spec, err := decodeSpec(req.Properties, a.cfg)
	if err != nil {
		return nil, err
	}
	attrs, err := a.write(ctx, spec)
	if err != nil {
		return nil, err
	}
	a.logger.WithResourceKey(req.ResourceKey).WithField("target", spec.target.String()).
		WithField("path", spec.path).Info("remote file created")
	return &engine.CreateResult{PhysicalID: spec.physicalID(), Attributes: attrs}, nil
}

// Update rewrites content and mode in place. Moving the file to another
// host or path changes its identity and requires replacement.
func (a *Adapter) Update(ctx context.Context, req *engine.UpdateRequest) (*engine.UpdateResult, error) {
	spec, err := decodeSpec(req.Properties, a.cfg)
	if err != nil {
		return nil, err
	}

	prior, err := decodeSpec(req.PriorProperties, a.cfg)
	if err != nil || prior.target != spec.target || prior.path != spec.path {
		return &engine.UpdateResult{NeedsReplace: true}, nil
	}

	attrs, err := a.write(ctx, spec)
	if err != nil {
		return nil, err
	}
	a.logger.WithResourceKey(req.ResourceKey).WithField("target", spec.target.String()).
		WithField("path", spec.path).Info("remote file updated")
	return &engine.UpdateResult{Attributes: attrs}, nil
}

// Delete removes the file named by the physical id. A file that is already
// gone reports not-found, which the engine treats as success.
func (a *Adapter) Delete(ctx context.Context, req *engine.DeleteRequest) error {
	t, remotePath, err := parsePhysicalID(req.PhysicalID)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("malformed physical id %s", req.PhysicalID), err)
	}

	sftpc, closeFn, err := a.sftpClient(ctx, t)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := sftpc.Remove(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine.NewNotFoundError(fmt.Sprintf("remote file %s already absent", req.PhysicalID), err)
		}
		return classifyIOError(fmt.Sprintf("remove %s on %s", remotePath, t), err)
	}
	a.logger.WithResourceKey(req.ResourceKey).WithField("target", t.String()).
		WithField("path", remotePath).Info("remote file deleted")
	return nil
}

// Check compares the remote file with the declared content and mode.
func (a *Adapter) Check(ctx context.Context, req *engine.CheckRequest) (*engine.CheckResult, error) {
	spec, err := decodeSpec(req.Properties, a.cfg)
	if err != nil {
		return nil, err
	}

	sftpc, closeFn, err := a.sftpClient(ctx, spec.target)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	info, err := sftpc.Stat(spec.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &engine.CheckResult{Healthy: false, Detail: "file missing"}, nil
		}
		return nil, classifyIOError(fmt.Sprintf("stat %s on %s", spec.path, spec.target), err)
	}

	f, err := sftpc.Open(spec.path)
	if err != nil {
		return nil, classifyIOError(fmt.Sprintf("open %s on %s", spec.path, spec.target), err)
	}
	observed, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return nil, classifyIOError(fmt.Sprintf("read %s on %s", spec.path, spec.target), err)
	}

	observedSum := contentChecksum(string(observed))
	observedMode := info.Mode().Perm()
	attrs := map[string]interface{}{
		"host":     spec.target.host,
		"path":     spec.path,
		"checksum": observedSum,
		"size":     info.Size(),
		"mode":     fmt.Sprintf("%04o", observedMode),
	}

	var detail string
	switch {
	case observedSum != contentChecksum(spec.content):
		detail = "content drift"
	case observedMode != spec.mode.Perm():
		detail = "mode drift"
	}
	return &engine.CheckResult{Healthy: detail == "", Attributes: attrs, Detail: detail}, nil
}

// ValidateProperties decodes the declared properties without touching the
// network.
func (a *Adapter) ValidateProperties(ctx context.Context, resourceType string, properties map[string]interface{}) error {
	_, err := decodeSpec(properties, a.cfg)
	return err
}

// write pushes content and mode to the target, creating parent directories
// as needed.
func (a *Adapter) write(ctx context.Context, spec *fileSpec) (map[string]interface{}, error) {
	sftpc, closeFn, err := a.sftpClient(ctx, spec.target)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if dir := path.Dir(spec.path); dir != "/" {
		if err := sftpc.MkdirAll(dir); err != nil {
			return nil, classifyIOError(fmt.Sprintf("mkdir %s on %s", dir, spec.target), err)
		}
	}

	f, err := sftpc.Create(spec.path)
	if err != nil {
		return nil, classifyIOError(fmt.Sprintf("create %s on %s", spec.path, spec.target), err)
	}
	if _, err := f.Write([]byte(spec.content)); err != nil {
		_ = f.Close()
		return nil, classifyIOError(fmt.Sprintf("write %s on %s", spec.path, spec.target), err)
	}
	if err := f.Close(); err != nil {
		return nil, classifyIOError(fmt.Sprintf("close %s on %s", spec.path, spec.target), err)
	}

	if err := sftpc.Chmod(spec.path, spec.mode); err != nil {
		return nil, classifyIOError(fmt.Sprintf("chmod %s on %s", spec.path, spec.target), err)
	}

	return spec.attributes(), nil
}

// sftpClient opens an SFTP session on a pooled connection. The returned
// close function releases the session but keeps the connection cached.
func (a *Adapter) sftpClient(ctx context.Context, t target) (*sftp.Client, func(), error) {
	client, err := a.pool.get(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	sftpc, err := sftp.NewClient(client)
	if err != nil {
		return nil, nil, engine.NewTransientError(fmt.Sprintf("open sftp session on %s", t), err)
	}
	return sftpc, func() { _ = sftpc.Close() }, nil
}

// fileSpec is the decoded desired state of one remote.file resource.
type fileSpec struct {
	target  target
	path    string
	content string
	mode    os.FileMode
}

// physicalID encodes the file identity as an ssh:// URL.
func (s *fileSpec) physicalID() string {
	u := url.URL{
		Scheme: "ssh",
		User:   url.User(s.target.user),
		Host:   s.target.addr(),
		Path:   s.path,
	}
	return u.String()
}

func (s *fileSpec) attributes() map[string]interface{} {
	return map[string]interface{}{
		"host":     s.target.host,
		"path":     s.path,
		"checksum": contentChecksum(s.content),
		"size":     int64(len(s.content)),
		"mode":     fmt.Sprintf("%04o", s.mode.Perm()),
	}
}

// decodeSpec validates the raw properties against the adapter config.
func decodeSpec(properties map[string]interface{}, cfg *Config) (*fileSpec, error) {
	host, err := stringProp(properties, "host", true, "")
	if err != nil {
		return nil, err
	}
	remotePath, err := stringProp(properties, "path", true, "")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(remotePath, "/") {
		return nil, engine.NewValidationError(fmt.Sprintf("path %s must be absolute", remotePath))
	}
	content, err := stringProp(properties, "content", false, "")
	if err != nil {
		return nil, err
	}
	user, err := stringProp(properties, "user", false, cfg.User)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if raw, ok := properties["port"]; ok {
		n, isNumber := asInt(raw)
		if !isNumber || n < 1 || n > 65535 {
			return nil, engine.NewValidationError("port must be a number between 1 and 65535")
		}
		port = n
	}

	mode := defaultFileMode
	if raw, ok := properties["mode"]; ok {
		s, isString := raw.(string)
		if !isString {
			return nil, engine.NewValidationError("mode must be an octal string such as \"0644\"")
		}
		parsed, err := strconv.ParseUint(s, 8, 32)
		if err != nil || parsed > 0o7777 {
			return nil, engine.NewValidationError(fmt.Sprintf("mode %q is not a valid octal file mode", s))
		}
		mode = os.FileMode(parsed)
	}

	return &fileSpec{
		target:  target{host: host, port: port, user: user},
		path:    path.Clean(remotePath),
		content: content,
		mode:    mode,
	}, nil
}

// parsePhysicalID reverses physicalID.
func parsePhysicalID(id string) (target, string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return target{}, "", err
	}
	if u.Scheme != "ssh" || u.User == nil || u.Path == "" {
		return target{}, "", fmt.Errorf("physical id %q is not an ssh:// file url", id)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return target{}, "", fmt.Errorf("physical id %q has no valid port", id)
	}
	t := target{host: u.Hostname(), port: port, user: u.User.Username()}
	return t, u.Path, nil
}

func stringProp(properties map[string]interface{}, name string, required bool, fallback string) (string, error) {
	raw, ok := properties[name]
	if !ok {
		if required {
			return "", engine.NewValidationError(fmt.Sprintf("property %s is required", name))
		}
		return fallback, nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", engine.NewValidationError(fmt.Sprintf("property %s must be a string", name))
	}
	if required && s == "" {
		return "", engine.NewValidationError(fmt.Sprintf("property %s is required", name))
	}
	return s, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func contentChecksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// classifyIOError maps SFTP failures onto engine error classes. Permission
// problems never fix themselves on retry; everything else might.
func classifyIOError(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return engine.NewNotFoundError(op, err)
	case errors.Is(err, os.ErrPermission):
		return engine.NewPermanentError(op, err)
	default:
		return engine.NewTransientError(op, err)
	}
}
