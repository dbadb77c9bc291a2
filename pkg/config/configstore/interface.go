package configstore

import "context"

// ConfigStore loads and saves one configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
