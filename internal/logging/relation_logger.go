// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler é um slog.Handler que despacha cada registro para dois handlers.
// Usado por NewRelationLogger para gravar simultaneamente no handler global e no
// arquivo de trace dedicado da relação.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Verifica Enabled() de cada handler individualmente antes de despachar.
	// Isso garante que registros DEBUG não são enviados ao handler primário
	// quando este aceita apenas INFO (ou superior).
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erros de escrita no arquivo de trace não devem impedir o log global.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewRelationLogger cria um logger que grava tanto no logger base (global) quanto
// em um arquivo dedicado para uma relação client/upstream. O arquivo é criado em:
//
//	{traceDir}/{relationID}.log
//
// Retorna o logger enriquecido, um io.Closer para fechar o arquivo de trace e o
// path do arquivo criado (traceDir unido ao nome do arquivo; relativo se
// traceDir for relativo). O Closer DEVE ser chamado quando a relação
// terminar (sweep já faz isso para relações abandonadas).
//
// Se traceDir for vazio, retorna o logger base sem modificações (no-op), deixando
// o trace por relação inteiramente opt-in.
func NewRelationLogger(baseLogger *slog.Logger, traceDir, relationID string) (*slog.Logger, io.Closer, string, error) {
	if traceDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(traceDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating relation trace directory %s: %w", traceDir, err)
	}

	logPath := filepath.Join(traceDir, relationID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening relation trace file %s: %w", logPath, err)
	}

	// Arquivo de trace sempre usa JSON com nível DEBUG para captura máxima,
	// independente do nível configurado no logger base.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan-out: despacha para o handler do logger base + handler do arquivo.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveRelationTrace remove o arquivo de trace de uma relação finalizada.
// É no-op se traceDir for vazio ou o arquivo não existir.
func RemoveRelationTrace(traceDir, relationID string) {
	if traceDir == "" {
		return
	}
	os.Remove(filepath.Join(traceDir, relationID+".log"))
}
