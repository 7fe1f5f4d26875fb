package vm

import (
	"errors"

	"github.com/vsariola/patchbay/arrays"
)

// arrayNode defines a named array for as long as its program exists.
type arrayNode struct {
	noMessages
	name string
	size int
	arr  *arrays.Array
}

func (a *arrayNode) Open(env *Env) error {
	if env.Arrays == nil {
		return errors.New("no array store to define arrays in")
	}
	arr, err := env.Arrays.Define(a.name, a.size)
	if err != nil {
		return err
	}
	a.arr = arr
	return nil
}

func (a *arrayNode) Close(env *Env) {
	if a.arr != nil && env.Arrays != nil {
		env.Arrays.Remove(a.arr)
		a.arr = nil
	}
}
