package in

import (
	"context"

	"subfield/internal/modules/subfield/dto"
	subfieldin "subfield/internal/modules/subfield/port/in"
)

type CLIHandler struct {
	usecase subfieldin.Usecase
}

func NewCLIHandler(usecase subfieldin.Usecase) CLIHandler {
	return CLIHandler{usecase: usecase}
}

func (h CLIHandler) Run(ctx context.Context) error {
	return h.usecase.Run(ctx)
}

func (h CLIHandler) Start(ctx context.Context) error {
	return h.usecase.Start(ctx)
}

func (h CLIHandler) Stop(ctx context.Context) error {
	return h.usecase.Stop(ctx)
}

func (h CLIHandler) WaitForPeers(ctx context.Context) error {
	return h.usecase.WaitForPeers(ctx)
}

func (h CLIHandler) Status(ctx context.Context) (dto.StatusOutput, error) {
	return h.usecase.Status(ctx)
}

func (h CLIHandler) Keygen(ctx context.Context) (dto.KeygenOutput, error) {
	return h.usecase.Keygen(ctx)
}

func (h CLIHandler) Ping(ctx context.Context, peer string) (dto.PingOutput, error) {
	return h.usecase.Ping(ctx, peer)
}

func (h CLIHandler) Echo(ctx context.Context, key dto.KeyInput, message string) (string, error) {
	return h.usecase.Echo(ctx, key, message)
}

func (h CLIHandler) GetRecord(ctx context.Context, key dto.KeyInput) (dto.RecordOutput, error) {
	return h.usecase.GetRecord(ctx, key)
}

func (h CLIHandler) PutRecord(ctx context.Context, key dto.KeyInput, body []byte) (dto.PutOutput, error) {
	return h.usecase.PutRecord(ctx, key, body)
}

func (h CLIHandler) DeleteRecord(ctx context.Context, key dto.KeyInput) (dto.DeleteOutput, error) {
	return h.usecase.DeleteRecord(ctx, key)
}

func (h CLIHandler) Scan(ctx context.Context, prefix string, limit int) ([]dto.ScanEntryOutput, error) {
	return h.usecase.Scan(ctx, prefix, limit)
}

func (h CLIHandler) Subscribe(ctx context.Context, key dto.KeyInput, emit func(dto.EventOutput) error) error {
	return h.usecase.Subscribe(ctx, key, emit)
}

func (h CLIHandler) Unsubscribe(ctx context.Context, key dto.KeyInput) (int, error) {
	return h.usecase.Unsubscribe(ctx, key)
}
