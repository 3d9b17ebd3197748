package handler

import (
	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/fanvue"
	"github.com/d60-Lab/inbox-autopilot/internal/llm"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/internal/service"
	"github.com/d60-Lab/inbox-autopilot/internal/webhook"
)

// Handler 聚合所有 HTTP handler 的依赖
type Handler struct {
	cfg *config.Config

	ingest    *service.Ingest
	scheduler *service.Scheduler
	worker    *service.Worker
	tokens    service.TokenProvider

	creators repository.CreatorRepository
	jobs     repository.JobRepository

	fanvue   *fanvue.Client
	llm      *llm.Client
	verifier *webhook.Verifier
}

func New(
	cfg *config.Config,
	ingest *service.Ingest,
	scheduler *service.Scheduler,
	worker *service.Worker,
	tokens service.TokenProvider,
	creators repository.CreatorRepository,
	jobs repository.JobRepository,
	fv *fanvue.Client,
	llmClient *llm.Client,
	verifier *webhook.Verifier,
) *Handler {
	return &Handler{
		cfg:       cfg,
		ingest:    ingest,
		scheduler: scheduler,
		worker:    worker,
		tokens:    tokens,
		creators:  creators,
		jobs:      jobs,
		fanvue:    fv,
		llm:       llmClient,
		verifier:  verifier,
	}
}
