package catalog

import (
	"testing"

	"plts/engine/argmap"
)

func TestSignatureFromArgsNoDeclaredArgsIsPassthrough(t *testing.T) {
	sig := signatureFromArgs(nil)
	if sig.Mode != argmap.ModePassthrough {
		t.Fatalf("expected passthrough mode for no declared args, got %v", sig.Mode)
	}
}

func TestSignatureFromArgsSingleUnnamedStructuredIsPassthrough(t *testing.T) {
	sig := signatureFromArgs([]argmap.ArgDescriptor{{Kind: argmap.KindStructured}})
	if sig.Mode != argmap.ModePassthrough {
		t.Fatalf("expected passthrough mode for a single unnamed structured arg, got %v", sig.Mode)
	}
}

func TestSignatureFromArgsNamedArgsAreTyped(t *testing.T) {
	decls := []argmap.ArgDescriptor{{Name: "id", Kind: argmap.KindInteger}, {Name: "label", Kind: argmap.KindText}}
	sig := signatureFromArgs(decls)
	if sig.Mode != argmap.ModeTyped {
		t.Fatalf("expected typed mode, got %v", sig.Mode)
	}
	if len(sig.Args) != 2 || sig.Args[0].Name != "id" || sig.Args[1].Name != "label" {
		t.Fatalf("unexpected args: %+v", sig.Args)
	}
}

func TestSignatureFromArgsSingleNamedStructuredIsTyped(t *testing.T) {
	sig := signatureFromArgs([]argmap.ArgDescriptor{{Name: "payload", Kind: argmap.KindStructured}})
	if sig.Mode != argmap.ModeTyped {
		t.Fatalf("a named structured arg should map typed, not passthrough, got %v", sig.Mode)
	}
}
