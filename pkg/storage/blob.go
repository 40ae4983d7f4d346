// Package storage provides the blob layer used for checkpoints and run
// reports.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when the blob does not exist.
var ErrNotFound = errors.New("blob not found")

// BlobClient stores small JSON documents by path.
type BlobClient interface {
	Put(ctx context.Context, path string, data []byte, metadata map[string]string) error
	// Get returns ErrNotFound for a missing blob.
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, path string) error
}

// Account is the part of a storage connection string the client needs.
type Account struct {
	Name     string
	Key      string
	Endpoint string
}

// ParseAccount reads "Key=Value;..." connection strings. BlobEndpoint wins
// over the endpoint derived from protocol, account and suffix.
func ParseAccount(connectionString string) (Account, error) {
	if strings.TrimSpace(connectionString) == "" {
		return Account{}, errors.New("connection string is required")
	}
	kv := make(map[string]string)
	for _, part := range strings.Split(connectionString, ";") {
		// keys are base64 and may end in '='
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k != "" {
			kv[k] = v
		}
	}
	acct := Account{Name: kv["AccountName"], Key: kv["AccountKey"], Endpoint: kv["BlobEndpoint"]}
	if acct.Name == "" || acct.Key == "" {
		return Account{}, errors.New("connection string needs AccountName and AccountKey")
	}
	if acct.Endpoint == "" {
		proto, suffix := kv["DefaultEndpointsProtocol"], kv["EndpointSuffix"]
		if proto == "" {
			proto = "https"
		}
		if suffix == "" {
			suffix = "core.windows.net"
		}
		acct.Endpoint = proto + "://" + acct.Name + ".blob." + suffix
	}
	acct.Endpoint = strings.TrimRight(acct.Endpoint, "/")
	return acct, nil
}

// AzureBlobClient keeps documents in one container of an Azure storage
// account. The container is created on first write.
type AzureBlobClient struct {
	container *container.Client
	baseURL   string
	logger    *zap.Logger

	mu      sync.Mutex
	created bool
}

// NewAzureBlobClient authenticates with the account's shared key. Plain
// http endpoints such as Azurite are accepted.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	acct, err := ParseAccount(connectionString)
	if err != nil {
		return nil, err
	}
	if containerName == "" {
		return nil, errors.New("container name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cred, err := azblob.NewSharedKeyCredential(acct.Name, acct.Key)
	if err != nil {
		return nil, fmt.Errorf("storage credential: %w", err)
	}
	opts := &azblob.ClientOptions{}
	opts.InsecureAllowCredentialWithHTTP = strings.HasPrefix(strings.ToLower(acct.Endpoint), "http://")
	svc, err := azblob.NewClientWithSharedKeyCredential(acct.Endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("storage client for %s: %w", acct.Endpoint, err)
	}

	return &AzureBlobClient{
		container: svc.ServiceClient().NewContainerClient(containerName),
		baseURL:   acct.Endpoint + "/" + containerName,
		logger:    logger.With(zap.String("container", containerName)),
	}, nil
}

func (a *AzureBlobClient) Put(ctx context.Context, path string, data []byte, metadata map[string]string) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}
	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}
	_, err := a.container.NewBlockBlobClient(path).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
	})
	if err != nil {
		a.logger.Warn("blob upload failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("put %s: %w", path, err)
	}
	a.logger.Debug("blob written", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

func (a *AzureBlobClient) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := a.container.NewBlobClient(path).DownloadStream(ctx, nil)
	if missing(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (a *AzureBlobClient) Delete(ctx context.Context, path string) error {
	_, err := a.container.NewBlobClient(path).Delete(ctx, nil)
	if err != nil && !missing(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// URL returns the address of path, for logs.
func (a *AzureBlobClient) URL(path string) string {
	return a.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.created {
		return nil
	}
	_, err := a.container.Create(ctx, nil)
	var respErr *azcore.ResponseError
	switch {
	case err == nil, bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
	case errors.As(err, &respErr) && respErr.StatusCode == 409:
		// some emulators omit the error code header
	default:
		return fmt.Errorf("create container: %w", err)
	}
	a.created = true
	return nil
}

func missing(err error) bool {
	return err != nil && bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}
