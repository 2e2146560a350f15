package backend

import "testing"

func TestCreateUnknownBackendIsDisabled(t *testing.T) {
	b := Create(Params{Backend: "carrier-pigeon"})
	if b.IsAvailable() {
		t.Fatalf("expected unknown backend to be unavailable")
	}
}

func TestCreateMissingConfigIsDisabled(t *testing.T) {
	b := Create(Params{Backend: "openai"})
	if b.IsAvailable() {
		t.Fatalf("expected openai backend without an api key to be unavailable")
	}
}

func TestGetSingletonReusesInstance(t *testing.T) {
	ResetSingleton()
	t.Cleanup(ResetSingleton)

	a := GetSingleton(Params{Backend: "openai", OpenAIAPIKey: "k1"})
	b := GetSingleton(Params{Backend: "openai", OpenAIAPIKey: "k2"})
	if a != b {
		t.Fatalf("expected GetSingleton to memoize the first construction")
	}
}
