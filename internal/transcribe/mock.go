package transcribe

import (
	"context"
	"hash/fnv"
	"time"
)

// mock phrases keep demo sessions plausible without a model.
var mockPhrases = []string{
	"Oui, je comprends votre besoin.",
	"Le tarif est de 2500 euros par mois.",
	"Pouvez-vous m'en dire plus sur votre équipe ?",
	"D'accord, on peut avancer comme ça.",
	"Quel est votre objectif pour ce trimestre ?",
	"Je vous envoie la proposition ce soir.",
}

type mockRecognizer struct{}

// NewMockRecognizer returns a deterministic recognizer: the same buffer
// and beam width always produce the same text and confidence.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (Result, error) {
	h := fnv.New64a()
	_, _ = h.Write(req.PCM)
	_, _ = h.Write([]byte{byte(req.BeamWidth)})
	sum := h.Sum64()

	var audio time.Duration
	if req.SampleRate > 0 {
		audio = time.Duration(len(req.PCM)/2) * time.Second / time.Duration(req.SampleRate)
	}

	return Result{
		Text:       mockPhrases[sum%uint64(len(mockPhrases))],
		Confidence: 0.5 + float64(sum%50)/100,
		Audio:      audio,
	}, nil
}
