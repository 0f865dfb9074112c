package remote

import (
	"bytes"
	"context"
	"io"

	"github.com/schaermu/pismo/internal/apply"
)

// Endpoint exposes a tree served by a remote as an apply.Endpoint.
type Endpoint struct {
	client   *Client
	treeName string
}

var _ apply.Endpoint = (*Endpoint)(nil)

// NewEndpoint binds client to the remote tree treeName.
func NewEndpoint(client *Client, treeName string) *Endpoint {
	return &Endpoint{client: client, treeName: treeName}
}

func (e *Endpoint) Describe(rel string) string {
	return e.client.BaseURL() + "/" + e.treeName + ":" + rel
}

func (e *Endpoint) Open(ctx context.Context, rel string) (io.ReadCloser, apply.Content, error) {
	return e.client.GetFile(ctx, e.treeName, rel)
}

func (e *Endpoint) Times(ctx context.Context, rel string) (apply.Times, error) {
	ft, err := e.client.GetFileTime(ctx, e.treeName, rel)
	if err != nil {
		return apply.Times{}, err
	}
	return ft.Times(), nil
}

func (e *Endpoint) Write(ctx context.Context, rel string, r io.Reader, c apply.Content) error {
	if c.Size < 0 {
		// the upload protocol needs the size up front
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		c.Size = int64(len(data))
		r = bytes.NewReader(data)
	}

	id, err := e.client.PreparePutFile(ctx, e.treeName, rel, c)
	if err != nil {
		return err
	}
	return e.client.PutFile(ctx, id, r, c.Size)
}

func (e *Endpoint) SetTimes(ctx context.Context, rel string, t apply.Times) error {
	return e.client.SetFileTime(ctx, e.treeName, rel, NewFileTime(t))
}

func (e *Endpoint) Remove(ctx context.Context, rel string) error {
	return e.client.DeleteFile(ctx, e.treeName, rel)
}
