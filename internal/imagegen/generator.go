// Package imagegen produces gallery images through an external generation
// provider.
package imagegen

import "context"

// Request describes one generation. Reference, when set, switches the
// provider into image-to-image mode with ReferenceName carried as the upload
// filename.
type Request struct {
	Prompt        string
	Reference     []byte
	ReferenceName string
}

// Image is the provider's rendered output.
type Image struct {
	Data []byte
	MIME string
}

// Generator renders one image per request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}
