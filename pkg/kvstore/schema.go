package kvstore

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fluxline/intent-settler/pkg/infra"
)

const schemaKey = "schema/version"

// EnsureSchema stamps a fresh store with the expected schema version and
// refuses to open state written under a different one. Migrations rewrite
// the stamp after converting the data.
func EnsureSchema(kv infra.KVStore, want int) error {
	raw, err := kv.Get(schemaKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return kv.Set(schemaKey, strconv.Itoa(want))
		}
		return err
	}
	have, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("corrupt schema stamp %q: %w", raw, err)
	}
	if have != want {
		return fmt.Errorf("store schema version is %d, this build expects %d: migrate before starting", have, want)
	}
	return nil
}
