package service

import (
	"errors"
	"fmt"

	"github.com/attachlink/attachlink/internal/repository"
)

// ErrNameAttemptsExhausted is returned when every candidate name up to the
// configured maximum collided. The bound exists so a pathological collision
// pattern cannot loop forever; the common path never reaches it.
var ErrNameAttemptsExhausted = errors.New("exhausted folder name candidates")

// WithUniqueName runs op with the desired name and, on a duplicate-name
// conflict, retries with a deterministically incremented suffix:
// "Name", "Name (2)", "Name (3)", ... Any other error stops the loop
// immediately. Returns the name that succeeded.
func WithUniqueName(base string, maxAttempts int, op func(name string) error) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	name := base
	for attempt := 1; ; attempt++ {
		err := op(name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, repository.ErrDuplicateName) {
			return "", err
		}
		if attempt >= maxAttempts {
			return "", fmt.Errorf("%w: %q after %d attempts", ErrNameAttemptsExhausted, base, attempt)
		}
		name = fmt.Sprintf("%s (%d)", base, attempt+1)
	}
}
