package store

import (
	"fmt"
	"time"
)

// IconfileDescriptor identifies one rendition of an icon.
type IconfileDescriptor struct {
	Format string `json:"format"`
	Size   string `json:"size"`
}

func (d IconfileDescriptor) String() string {
	return fmt.Sprintf("%s/%s", d.Format, d.Size)
}

// Iconfile is a rendition together with its owning icon's name and content.
type Iconfile struct {
	Name string
	IconfileDescriptor
	Content []byte
}

// IconAttributes holds the mutable attributes of an icon.
type IconAttributes struct {
	Name string `json:"name"`
}

type IconDescriptor struct {
	Name       string               `json:"name"`
	ModifiedBy string               `json:"modifiedBy"`
	ModifiedAt time.Time            `json:"modifiedAt"`
	Iconfiles  []IconfileDescriptor `json:"iconfiles"`
	Tags       []string             `json:"tags"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the identity a refresh session resolves to.
type User struct {
	Username string
	Groups   []string
}
