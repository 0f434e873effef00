// Package munshi provides the orchestration runtime of an e-commerce
// operations assistant.
//
// Munshi accepts a natural-language operator request, optionally with image
// or file attachments, decomposes it into work, and drives LLM-backed agents
// to completion while streaming progress to the client over SSE.
//
// # Quick Start
//
// Install the binary:
//
//	go install github.com/munshi-ai/munshi/cmd/munshi@latest
//
// Create a configuration:
//
//	llm:
//	  provider: "openai"
//	  model: "gpt-4o"
//	  api_key: "${OPENAI_API_KEY}"
//
//	vector:
//	  provider: "chromem"
//	  chromem:
//	    persist_path: "./data/vectors"
//
// Start the server:
//
//	munshi serve --config munshi.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/munshi-ai/munshi/pkg/orchestrator"
//	    "github.com/munshi-ai/munshi/pkg/contextbuilder"
//	    "github.com/munshi-ai/munshi/pkg/config"
//	)
//
// # Architecture
//
// One HTTP request becomes one Run: the supervisor loads history, builds a
// tiered context bundle, consults the chokidar input guard for bulk intent,
// then loops on LLM turns dispatching tools and sub-agents. Every turn is
// validated by the chokidar output guard; premature termination of bulk work
// triggers a bounded continuation retry driven by the checkpoint store. All
// progress streams to the client through the per-conversation event bus.
//
//	Client → /run → Supervisor → Context Builder → Chokidar(in)
//	                    │
//	                    ├── Tool Registry ── Tool-Result Cache
//	                    ├── Agent Factory (bash / swe / parallel)
//	                    └── Chokidar(out) ── Checkpoint Store
package munshi
