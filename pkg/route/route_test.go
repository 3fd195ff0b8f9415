package route

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		labels   map[string]string
		want     *Spec
		wantErr  bool
		errLabel string
	}{
		{
			name:   "plain http route",
			labels: map[string]string{LabelHost: "example.com"},
			want: &Spec{
				Hosts:        []string{"example.com"},
				UpstreamPort: 80,
				Path:         "/",
				TLS:          TLSNone,
				ServiceID:    "svc-1",
			},
		},
		{
			name: "hosts are lowercased, deduplicated and sorted",
			labels: map[string]string{
				LabelHost: "WWW.Example.com, example.com www.example.com",
			},
			want: &Spec{
				Hosts:        []string{"example.com", "www.example.com"},
				UpstreamPort: 80,
				Path:         "/",
				TLS:          TLSNone,
				ServiceID:    "svc-1",
			},
		},
		{
			name: "custom port, path and flags",
			labels: map[string]string{
				LabelHost:          "example.com",
				LabelPort:          "8080",
				LabelPath:          "/api",
				LabelSSL:           "true",
				LabelSSLRedirect:   "",
				LabelProxyProtocol: "10.0.0.0/8",
			},
			want: &Spec{
				Hosts:             []string{"example.com"},
				UpstreamPort:      8080,
				Path:              "/api",
				TLS:               TLSACMERedirect,
				ProxyProtocolCIDR: "10.0.0.0/8",
				ServiceID:         "svc-1",
			},
		},
		{
			name:   "ssl without redirect",
			labels: map[string]string{LabelHost: "example.com", LabelSSL: ""},
			want: &Spec{
				Hosts:        []string{"example.com"},
				UpstreamPort: 80,
				Path:         "/",
				TLS:          TLSACME,
				ServiceID:    "svc-1",
			},
		},
		{
			name:     "missing host",
			labels:   map[string]string{LabelSSL: "true"},
			wantErr:  true,
			errLabel: LabelHost,
		},
		{
			name:     "empty host",
			labels:   map[string]string{LabelHost: "  ,  "},
			wantErr:  true,
			errLabel: LabelHost,
		},
		{
			name:     "non-numeric port",
			labels:   map[string]string{LabelHost: "example.com", LabelPort: "eighty"},
			wantErr:  true,
			errLabel: LabelPort,
		},
		{
			name:     "port out of range",
			labels:   map[string]string{LabelHost: "example.com", LabelPort: "70000"},
			wantErr:  true,
			errLabel: LabelPort,
		},
		{
			name:     "relative path",
			labels:   map[string]string{LabelHost: "example.com", LabelPath: "api"},
			wantErr:  true,
			errLabel: LabelPath,
		},
		{
			name:     "redirect without ssl",
			labels:   map[string]string{LabelHost: "example.com", LabelSSLRedirect: "true"},
			wantErr:  true,
			errLabel: LabelSSLRedirect,
		},
		{
			name:     "malformed proxy protocol CIDR",
			labels:   map[string]string{LabelHost: "example.com", LabelProxyProtocol: "not-a-cidr"},
			wantErr:  true,
			errLabel: LabelProxyProtocol,
		},
		{
			name:     "malformed boolean",
			labels:   map[string]string{LabelHost: "example.com", LabelSSL: "yep"},
			wantErr:  true,
			errLabel: LabelSSL,
		},
		{
			name: "unknown labels are ignored",
			labels: map[string]string{
				LabelHost:                  "example.com",
				LabelPrefix + "futurism":   "whatever",
				"some.other.io/annotation": "x",
			},
			want: &Spec{
				Hosts:        []string{"example.com"},
				UpstreamPort: 80,
				Path:         "/",
				TLS:          TLSNone,
				ServiceID:    "svc-1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, perr := Parse("svc-1", tt.labels)
			if tt.wantErr {
				if perr == nil {
					t.Fatalf("expected ParseError, got spec %+v", got)
				}
				if perr.ServiceID != "svc-1" {
					t.Errorf("ParseError not tagged with service id: %+v", perr)
				}
				if perr.Label != tt.errLabel {
					t.Errorf("expected error on label %s, got %s", tt.errLabel, perr.Label)
				}
				return
			}
			if perr != nil {
				t.Fatalf("unexpected ParseError: %v", perr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse mismatch:\n got  %+v\n want %+v", got, tt.want)
			}
		})
	}
}

func TestBuild_Ordering(t *testing.T) {
	services := []ServiceDescriptor{
		{ID: "svc-b", Name: "b.default.svc", Labels: map[string]string{LabelHost: "b.example.com"}},
		{ID: "svc-a", Name: "a.default.svc", Labels: map[string]string{LabelHost: "a.example.com"}},
		{ID: "svc-c", Name: "c.default.svc", Labels: map[string]string{LabelHost: "c.example.com"}},
	}

	model, errs := Build(services, 1)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var hosts []string
	for _, r := range model.Routes {
		hosts = append(hosts, r.Hosts[0])
	}
	want := []string{"a.example.com", "b.example.com", "c.example.com"}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("routes not sorted by primary hostname: %v", hosts)
	}

	// Same input in a different order builds an identical model.
	reordered := []ServiceDescriptor{services[2], services[0], services[1]}
	again, _ := Build(reordered, 1)
	if !reflect.DeepEqual(model.Routes, again.Routes) {
		t.Error("identical input in different order produced a different model")
	}
}

func TestBuild_HostnameCollision(t *testing.T) {
	services := []ServiceDescriptor{
		{ID: "svc-a", Name: "a.default.svc", Labels: map[string]string{LabelHost: "example.com"}},
		{ID: "svc-b", Name: "b.default.svc", Labels: map[string]string{LabelHost: "example.com"}},
		{ID: "svc-c", Name: "c.default.svc", Labels: map[string]string{LabelHost: "ok.example.com"}},
	}

	model, errs := Build(services, 1)
	if len(errs) != 2 {
		t.Fatalf("expected 2 collision errors, got %d: %v", len(errs), errs)
	}
	for _, e := range errs {
		if e.ServiceID != "svc-a" && e.ServiceID != "svc-b" {
			t.Errorf("unexpected error attribution: %v", e)
		}
	}

	if len(model.Routes) != 1 || model.Routes[0].Hosts[0] != "ok.example.com" {
		t.Errorf("expected only the non-colliding route in the model, got %+v", model.Routes)
	}
}

func TestBuild_ParseErrorDoesNotAbortPass(t *testing.T) {
	services := []ServiceDescriptor{
		{ID: "svc-bad", Name: "bad.default.svc", Labels: map[string]string{LabelHost: "bad.example.com", LabelPort: "nope"}},
		{ID: "svc-good", Name: "good.default.svc", Labels: map[string]string{LabelHost: "good.example.com"}},
	}

	model, errs := Build(services, 1)
	if len(errs) != 1 || errs[0].ServiceID != "svc-bad" {
		t.Fatalf("expected one error for svc-bad, got %v", errs)
	}
	if len(model.Routes) != 1 || model.Routes[0].ServiceID != "svc-good" {
		t.Errorf("good service should survive a neighbor's parse error, got %+v", model.Routes)
	}
}

func TestHostSetID_StableAndDistinct(t *testing.T) {
	a := HostSetID([]string{"example.com", "www.example.com"})
	b := HostSetID([]string{"example.com", "www.example.com"})
	c := HostSetID([]string{"example.com"})

	if a != b {
		t.Errorf("owner id not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different host sets produced the same owner id")
	}
}
