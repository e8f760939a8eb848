// Package app builds the collaborators shared by orbitd and orbitctl from
// a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/h1v3-io/orbit/internal/config"
	"github.com/h1v3-io/orbit/internal/directory"
	"github.com/h1v3-io/orbit/internal/draft"
	"github.com/h1v3-io/orbit/internal/generation"
	"github.com/h1v3-io/orbit/internal/helpdesk"
	"github.com/h1v3-io/orbit/internal/knowledge"
	"github.com/h1v3-io/orbit/internal/locale"
	"github.com/h1v3-io/orbit/internal/provider"
)

// ChatProvider returns the provider selected by generation.provider.
func ChatProvider(cfg *config.Config) (generation.Provider, error) {
	pcfg, ok := cfg.Providers[cfg.Generation.Provider]
	if !ok {
		return nil, fmt.Errorf("app: provider %q is not configured", cfg.Generation.Provider)
	}
	switch pcfg.Type {
	case "anthropic":
		var opts []provider.AnthropicOption
		if pcfg.BaseURL != "" {
			opts = append(opts, provider.WithAnthropicBaseURL(pcfg.BaseURL))
		}
		if pcfg.Model != "" {
			opts = append(opts, provider.WithAnthropicModel(pcfg.Model))
		}
		return provider.NewAnthropic(pcfg.APIKey, opts...), nil
	default: // "openai", "azure" or empty
		var opts []provider.OpenAIOption
		if pcfg.BaseURL != "" {
			opts = append(opts, provider.WithBaseURL(pcfg.BaseURL))
		}
		if pcfg.Model != "" {
			opts = append(opts, provider.WithModel(pcfg.Model))
		}
		if pcfg.Type == "azure" {
			opts = append(opts, provider.WithAzure(pcfg.APIVersion))
		}
		return provider.NewOpenAI(pcfg.APIKey, opts...), nil
	}
}

// Embedder returns the embeddings client, or nil when retrieval is off.
func Embedder(cfg *config.Config) knowledge.Embedder {
	e := cfg.Embeddings
	if e.APIKey == "" {
		return nil
	}
	opts := []provider.OpenAIOption{provider.WithEmbeddingModel(e.Model)}
	if e.BaseURL != "" {
		opts = append(opts, provider.WithBaseURL(e.BaseURL))
	}
	return provider.NewOpenAI(e.APIKey, opts...)
}

// OpenDrafts opens the configured draft store.
func OpenDrafts(ctx context.Context, cfg *config.Config) (draft.Store, error) {
	if cfg.Drafts.Driver == "postgres" {
		s, err := draft.NewPostgresStore(ctx, cfg.Drafts.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: data dir: %w", err)
	}
	s, err := draft.NewSQLiteStore(cfg.DraftPath())
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenDirectory opens the conversation reference store under the data dir.
func OpenDirectory(cfg *config.Config) (*directory.Store, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: data dir: %w", err)
	}
	return directory.Open(cfg.DirectoryPath())
}

// Helpdesk returns the Zammad client.
func Helpdesk(cfg *config.Config, locales *locale.Table, logger *slog.Logger) *helpdesk.Client {
	opts := []helpdesk.Option{
		helpdesk.WithLocales(locales),
		helpdesk.WithLogger(logger),
	}
	if cfg.Helpdesk.GroupID > 0 {
		opts = append(opts, helpdesk.WithGroupID(cfg.Helpdesk.GroupID))
	}
	if cfg.Helpdesk.ClosedStateID > 0 {
		opts = append(opts, helpdesk.WithClosedStateID(cfg.Helpdesk.ClosedStateID))
	}
	return helpdesk.New(cfg.Helpdesk.BaseURL, cfg.Helpdesk.Token, opts...)
}

// Knowledge bundles the index with its retriever and ingester.
type Knowledge struct {
	Index     *knowledge.Index
	Retriever *knowledge.Retriever
	Ingester  *knowledge.Ingester
}

// OpenKnowledge opens the index. It returns nil when no embedder is
// configured.
func OpenKnowledge(cfg *config.Config, logger *slog.Logger) (*Knowledge, error) {
	emb := Embedder(cfg)
	if emb == nil {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: data dir: %w", err)
	}
	ix, err := knowledge.OpenIndex(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	ret, err := knowledge.NewRetriever(ix, emb, cfg.Embeddings.CacheEntries, logger)
	if err != nil {
		ix.Close()
		return nil, err
	}
	ing := knowledge.NewIngester(ix, emb,
		knowledge.WithChunkSize(cfg.Knowledge.ChunkSize),
		knowledge.WithConcurrency(cfg.Knowledge.Concurrency),
		knowledge.WithLogger(logger),
	)
	return &Knowledge{Index: ix, Retriever: ret, Ingester: ing}, nil
}

// Close releases the cache and the index.
func (k *Knowledge) Close() error {
	k.Retriever.Close()
	return k.Index.Close()
}

// LoadConfig reads path, or the ORBIT_ environment when path is empty.
// The environment-only mode still validates.
func LoadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
