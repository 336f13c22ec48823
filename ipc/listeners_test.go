package ipc

import "testing"

func TestListenerRegistryDispatchesSpecificAndWildcard(t *testing.T) {
	l := newListenerRegistry()
	var specificCalls, wildcardCalls int

	l.on("ping", func(ctx *Context, env *Envelope) { specificCalls++ })
	l.on(receiveWildcard, func(ctx *Context, env *Envelope) { wildcardCalls++ })

	l.dispatch(&Context{Envelope: &Envelope{Type: "ping"}}, &Envelope{Type: "ping"}, nil)

	if specificCalls != 1 {
		t.Fatalf("expected the specific handler to run once, got %d", specificCalls)
	}
	if wildcardCalls != 1 {
		t.Fatalf("expected the wildcard handler to run once, got %d", wildcardCalls)
	}
}

func TestListenerRegistryUnsubscribe(t *testing.T) {
	l := newListenerRegistry()
	var calls int
	unsub := l.on("ping", func(ctx *Context, env *Envelope) { calls++ })

	l.dispatch(&Context{Envelope: &Envelope{Type: "ping"}}, &Envelope{Type: "ping"}, nil)
	unsub()
	l.dispatch(&Context{Envelope: &Envelope{Type: "ping"}}, &Envelope{Type: "ping"}, nil)

	if calls != 1 {
		t.Fatalf("expected 1 call before unsubscribe took effect, got %d", calls)
	}
}

func TestListenerRegistryRecoversPanickingHandler(t *testing.T) {
	l := newListenerRegistry()
	var recovered bool
	var laterRan bool

	l.on("boom", func(ctx *Context, env *Envelope) { panic("kaboom") })
	l.on("boom", func(ctx *Context, env *Envelope) { laterRan = true })

	l.dispatch(&Context{Envelope: &Envelope{Type: "boom"}}, &Envelope{Type: "boom"}, func(event string, r interface{}) {
		recovered = true
	})

	if !recovered {
		t.Fatalf("expected the panic to be recovered and reported")
	}
	if !laterRan {
		t.Fatalf("expected handlers after a panicking one to still run")
	}
}
