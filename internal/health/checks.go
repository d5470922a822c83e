package health

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/model"
)

// StatusSource reports which models are resident. *worker.Coordinator
// implements it.
type StatusSource interface {
	Status() worker.Status
}

var _ StatusSource = (*worker.Coordinator)(nil)

// Pinger reports whether a store is usable. *modelcache.BadgerStore
// implements it.
type Pinger interface {
	Ping() error
}

// RolesResident fails until every listed role has a model in the Ready state.
// A role that is loading is reported as such.
func RolesResident(src StatusSource, roles ...model.Role) Checker {
	return Checker{
		Name: "models",
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st := src.Status()
			var missing []string
			for _, r := range roles {
				rs := st.Models[r]
				switch rs.State {
				case worker.ModelReady:
					continue
				case worker.ModelLoading:
					missing = append(missing, fmt.Sprintf("%s loading %s", r, rs.Key))
				default:
					missing = append(missing, r.String()+" idle")
				}
			}
			if len(missing) > 0 {
				return errors.New(strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// StoreOpen fails once the model cache store is closed.
func StoreOpen(p Pinger) Checker {
	return Checker{
		Name:  "cache",
		Check: func(context.Context) error { return p.Ping() },
	}
}
