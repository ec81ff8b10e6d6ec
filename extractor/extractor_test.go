package extractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cvandeplas/pystemon"
)

func TestForReturnsNilForUnknownName(t *testing.T) {
	if For("does-not-exist") != nil {
		t.Fatalf("expected an unregistered name to resolve to nil")
	}
}

func TestForReturnsNilForEmptyName(t *testing.T) {
	if For("") != nil {
		t.Fatalf("expected the empty name to resolve to nil (use the generic fetch path)")
	}
}

func TestGenericRegisteredByDefault(t *testing.T) {
	if For("generic") == nil {
		t.Fatalf("expected \"generic\" to be registered at package init")
	}
}

func TestRegisterAddsNewEntry(t *testing.T) {
	Register("custom-test-extractor", func() pystemon.Extractor { return Generic{} })
	if For("custom-test-extractor") == nil {
		t.Fatalf("expected Register to make the extractor resolvable via For")
	}
}

func TestGenericFetchSetsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body content"))
	}))
	defer srv.Close()

	site := &pystemon.Site{Name: "demo", DownloadURLTemplate: srv.URL + "/{id}"}
	p := pystemon.NewPastie(site, "x")
	ua := pystemon.NewUserAgent(nil, nil, nil, "")

	if err := (Generic{}).Fetch(context.Background(), p, ua); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(p.Content) != "body content" {
		t.Fatalf("unexpected content: %q", p.Content)
	}
}
