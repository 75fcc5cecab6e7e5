package notestore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/storage"
)

// DefaultID is used for notes whose title sanitizes to nothing on create.
const DefaultID = "untitled"

var forbidden = strings.NewReplacer(
	"/", "", `\`, "", ":", "", "*", "", "?", "",
	`"`, "", "<", "", ">", "", "|", "",
)

// Sanitize strips characters that cannot appear in a note id and trims the
// result. Leading dots are dropped: dot files are hidden from listings.
func Sanitize(title string) string {
	id := strings.TrimLeftFunc(forbidden.Replace(title), func(r rune) bool {
		return r == '.' || unicode.IsSpace(r)
	})
	return strings.TrimSpace(id)
}

var notebookRules = []validation.Rule{
	validation.Required,
	validation.Length(1, 255),
	validation.By(func(v interface{}) error {
		name, _ := v.(string)
		switch {
		case strings.ContainsAny(name, `/\`):
			return errors.New("must not contain path separators")
		case strings.HasPrefix(name, "."):
			return errors.New("must not start with a dot")
		case name == storage.TrashDir:
			return errors.New("is reserved")
		}
		return nil
	}),
}

// ValidateNotebook checks a notebook name for creation.
func ValidateNotebook(name string) error {
	if err := validation.Validate(name, notebookRules...); err != nil {
		return fmt.Errorf("notestore: notebook %q %v: %w", name, err, apperr.ErrInvalidName)
	}
	return nil
}

// validRef accepts any valid notebook name plus the root notebook "".
func validRef(nb string) error {
	if nb == "" {
		return nil
	}
	return ValidateNotebook(nb)
}

// uniqueID returns the first id among base, base_1, base_2, … for which taken
// reports false.
func uniqueID(base string, taken func(id string) (bool, error)) (string, error) {
	for i := 0; ; i++ {
		id := base
		if i > 0 {
			id = base + "_" + strconv.Itoa(i)
		}
		used, err := taken(id)
		if err != nil {
			return "", err
		}
		if !used {
			return id, nil
		}
	}
}

// UniqueName is uniqueID for callers outside the package, such as archive import.
func UniqueName(base string, taken func(name string) (bool, error)) (string, error) {
	return uniqueID(base, taken)
}
