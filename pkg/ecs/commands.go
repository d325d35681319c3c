package ecs

import (
	"errors"
	"reflect"
)

type commandKind uint8

const (
	commandSpawn commandKind = iota
	commandInsert
	commandRemove
	commandDespawn
)

type command struct {
	kind       commandKind
	entity     *Entity
	components []any
	types      []reflect.Type
}

// Commands buffers structural changes requested from inside a system. The
// buffer is applied serially once the package that filled it has released
// its chunk lock.
type Commands struct {
	ops []command
}

func newCommands() *Commands {
	return &Commands{ops: make([]command, 0, 16)}
}

// Spawn queues the creation of an entity.
func (c *Commands) Spawn(components ...any) {
	c.ops = append(c.ops, command{kind: commandSpawn, components: components})
}

// Insert queues adding or replacing components of e.
func (c *Commands) Insert(e *Entity, components ...any) {
	c.ops = append(c.ops, command{kind: commandInsert, entity: e, components: components})
}

// Remove queues dropping component types from e.
func (c *Commands) Remove(e *Entity, types ...reflect.Type) {
	c.ops = append(c.ops, command{kind: commandRemove, entity: e, types: types})
}

// RemoveComponent queues dropping component T from e.
func RemoveComponent[T any](c *Commands, e *Entity) {
	c.Remove(e, reflect.TypeFor[T]())
}

// Despawn queues e for despawn.
func (c *Commands) Despawn(e *Entity) {
	c.ops = append(c.ops, command{kind: commandDespawn, entity: e})
}

func (c *Commands) Len() int { return len(c.ops) }

func (c *Commands) reset() {
	clear(c.ops)
	c.ops = c.ops[:0]
}

// apply runs the buffered commands in order. Commands against entities that
// died before their turn are skipped; other failures are joined.
func (c *Commands) apply(w *World) error {
	var errs error
	for _, op := range c.ops {
		var err error
		switch op.kind {
		case commandSpawn:
			_, err = w.Spawn(op.components...)
		case commandInsert:
			err = op.entity.Insert(op.components...)
		case commandRemove:
			err = op.entity.Remove(op.types...)
		case commandDespawn:
			op.entity.Despawn()
		}
		if err != nil && !errors.Is(err, ErrEntityNotAlive) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}
