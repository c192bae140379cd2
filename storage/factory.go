package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/apbridge/bootid/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and
// aggregates them into multi-backend configurations.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a factory instance.
func NewStorageBackendFactory(log *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: log}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - local filesystem storage
//   - s3://   - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS distributed storage
//   - vault://- HashiCorp Vault KV v2 storage
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(locationURI.Scheme) {
	case "file":
		return sf.createFileBackend(locationURI)
	case "s3":
		return sf.createS3Backend(locationURI)
	case "ipfs":
		return sf.createIPFSBackend(locationURI)
	case "vault":
		return sf.createVaultBackend(locationURI)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, locationURI.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of
// location URIs, skipping URIs that fail to produce a backend. Returns an
// error if no valid backend could be created.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("location_uri", uri.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createFileBackend creates a filesystem backend.
// URI format: file:///var/lib/provisioning/
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	basePath := loc.Path
	if loc.Host != "" {
		// Allow file://relative/path by joining host and path.
		basePath = loc.Host + loc.Path
	}
	if basePath == "" {
		return nil, fmt.Errorf("%w: file URI has no path", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(basePath, sf.log)
}

// createS3Backend creates an S3 backend.
// URI format: s3://bucket-name/prefix/?region=us-west-2&endpoint=...
// Credentials come from the access_key/secret_key query parameters.
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	bucketName := loc.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: s3 URI has no bucket", interfaces.ErrInvalidLocationURI)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Backend(
		bucketName,
		strings.TrimPrefix(loc.Path, "/"),
		region,
		loc.GetParam("endpoint"),
		loc.GetParam("access_key"),
		loc.GetParam("secret_key"),
		sf.log,
	)
}

// createIPFSBackend creates an IPFS backend.
// URI format: ipfs://ipfs.example.com:5001/
func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host := loc.Host
	port := "5001"
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		port = host[idx+1:]
		host = host[:idx]
	}
	if host == "" {
		return nil, fmt.Errorf("%w: ipfs URI has no host", interfaces.ErrInvalidLocationURI)
	}
	return NewIPFSBackend(host, port, sf.log)
}

// createVaultBackend creates a Vault backend.
// URI format: vault://vault.example.com:8200/secret/provisioning?token=...
// The first path element is the KV mount, the remainder the data path.
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: vault URI has no host", interfaces.ErrInvalidLocationURI)
	}

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI path must be /<mount>/<data-path>", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.GetParamBool("insecure") {
		scheme = "http"
	}

	return NewVaultBackend(
		fmt.Sprintf("%s://%s", scheme, loc.Host),
		parts[0],
		parts[1],
		loc.GetParam("token"),
		sf.log,
	)
}
