package api

import (
	"context"

	"github.com/terra-clan/assessment-engine/internal/models"
)

type contextKey string

const (
	clientContextKey    contextKey = "api_client"
	candidateContextKey contextKey = "candidate_id"
)

// ClientFromContext extracts ApiClient from context
func ClientFromContext(ctx context.Context) *models.ApiClient {
	client, ok := ctx.Value(clientContextKey).(*models.ApiClient)
	if !ok {
		return nil
	}
	return client
}

// ContextWithClient adds ApiClient to context
func ContextWithClient(ctx context.Context, client *models.ApiClient) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// CandidateFromContext returns the authenticated candidate id, or ""
func CandidateFromContext(ctx context.Context) string {
	id, _ := ctx.Value(candidateContextKey).(string)
	return id
}

// ContextWithCandidate adds the candidate id to context
func ContextWithCandidate(ctx context.Context, candidateID string) context.Context {
	return context.WithValue(ctx, candidateContextKey, candidateID)
}
