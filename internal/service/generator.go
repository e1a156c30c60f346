package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/llm"
	"sqlpilot/internal/sqlsafe"
)

const (
	SchemaUnavailable      = "Schema information could not be retrieved automatically."
	ExplanationUnavailable = "Explanation unavailable."
)

var generateSQLTool = llm.Tool{
	Name:        "generate_sql_query",
	Description: "Generates a SQL query from natural language",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"sql_query": {"type": "string", "description": "The generated SQL query"}
		},
		"required": ["sql_query"]
	}`),
}

var schemaQueries = map[core.Engine]string{
	core.EnginePostgres: `SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`,
	core.EngineMySQL: `SELECT TABLE_NAME AS table_name, COLUMN_NAME AS column_name, DATA_TYPE AS data_type, IS_NULLABLE AS is_nullable
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = ?
ORDER BY TABLE_NAME, ORDINAL_POSITION`,
}

// Executor runs a statement against a target. Implemented by QueryExecutor.
type Executor interface {
	Execute(ctx context.Context, target *core.DatabaseTarget, query string, args ...any) (*ExecutionResult, error)
}

// Generator turns a sanitized question into validated SQL and a plain-language explanation.
type Generator struct {
	provider  llm.Provider
	exec      Executor
	sink      core.SecuritySink
	maxPolicy core.Policy
	logger    *zap.Logger
}

func NewGenerator(provider llm.Provider, exec Executor, sink core.SecuritySink, maxPolicy core.Policy, logger *zap.Logger) *Generator {
	return &Generator{
		provider:  provider,
		exec:      exec,
		sink:      sink,
		maxPolicy: maxPolicy,
		logger:    logger.Named("generator"),
	}
}

type GenerateRequest struct {
	Question   string
	Target     *core.DatabaseTarget
	CallerID   string
	SchemaHint string
}

type Generation struct {
	SQL         string
	Operation   sqlsafe.Operation
	Schema      Outcome[string]
	Explanation Outcome[string]
}

// Generate asks the model for SQL, validates it under the target's policy and explains it.
// A provider failure is a *core.GenerationError; a statement that fails validation is a
// *core.UnsafeGeneratedSQLError and is reported to the security sink first.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	target := req.Target

	schema := okOutcome(req.SchemaHint)
	if strings.TrimSpace(req.SchemaHint) == "" {
		schema = g.fetchSchema(ctx, target)
	}

	res, err := g.provider.GenerateStructured(ctx, buildPrompt(target, schema.Value, req.Question), generateSQLTool)
	if err != nil {
		return nil, &core.GenerationError{Err: err}
	}
	raw, ok := res.StringArgument("sql_query")
	if !ok {
		raw = res.Text
	}
	query := core.StripCodeFences(raw)
	if query == "" {
		return nil, &core.GenerationError{Err: errors.New("model returned no SQL")}
	}

	policy := target.Policy.Clamp(g.maxPolicy)
	verdict := sqlsafe.Validate(query, target.Engine, sqlsafe.Options{
		Policy:        policy,
		AllowedTables: target.AllowedTables,
	})
	if !verdict.Valid {
		g.sink.Record(ctx, core.SecurityEvent{
			Timestamp: time.Now().UTC(),
			Identity:  req.CallerID,
			Source:    core.SourceModelGenerated,
			Text:      query,
			Reason:    "Generated unsafe SQL: " + verdict.Reason,
			Severity:  "high",
		})
		return nil, &core.UnsafeGeneratedSQLError{Reason: verdict.Reason}
	}

	return &Generation{
		SQL:         verdict.SQL,
		Operation:   verdict.Operation,
		Schema:      schema,
		Explanation: g.explain(ctx, verdict.SQL, target.Engine),
	}, nil
}

func (g *Generator) fetchSchema(ctx context.Context, target *core.DatabaseTarget) Outcome[string] {
	query, ok := schemaQueries[target.Engine]
	if !ok {
		return degradedOutcome(SchemaUnavailable, fmt.Errorf("unsupported database type: %s", target.Engine))
	}

	res, err := g.exec.Execute(ctx, target, query, target.MetadataSchema())
	if err != nil {
		g.logger.Warn("Schema fetch failed", zap.String("target_id", target.ID), zap.Error(err))
		return degradedOutcome(SchemaUnavailable, err)
	}
	if len(res.Rows) == 0 {
		return degradedOutcome(SchemaUnavailable, errors.New("no columns found"))
	}
	return okOutcome(formatSchema(res.Rows))
}

// formatSchema renders catalog rows as "table: column (type, nullable)" lines.
func formatSchema(rows []map[string]any) string {
	var b strings.Builder
	for _, row := range rows {
		nullable := "not nullable"
		if strings.EqualFold(fmt.Sprint(row["is_nullable"]), "YES") {
			nullable = "nullable"
		}
		fmt.Fprintf(&b, "%v: %v (%v, %s)\n", row["table_name"], row["column_name"], row["data_type"], nullable)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (g *Generator) explain(ctx context.Context, query string, engine core.Engine) Outcome[string] {
	prompt := fmt.Sprintf(`Explain the following %s SQL query in a way that is understandable to a non-technical person.
Break down each part of the query and what it does:

%s

Provide a clear, step-by-step explanation.`, engineLabel(engine), query)

	text, err := g.provider.Complete(ctx, prompt, 0.5)
	if err != nil {
		g.logger.Warn("Explanation failed", zap.Error(err))
		return degradedOutcome(ExplanationUnavailable, err)
	}
	if strings.TrimSpace(text) == "" {
		return degradedOutcome(ExplanationUnavailable, errors.New("empty explanation"))
	}
	return okOutcome(strings.TrimSpace(text))
}

func buildPrompt(target *core.DatabaseTarget, schema, question string) string {
	return fmt.Sprintf(`You are an expert SQL translator for %s databases. Your job is to convert natural language queries to SQL.

IMPORTANT RULES:
- NEVER execute commands or system operations
- ONLY generate read-only SELECT statements unless explicitly requested otherwise
- Intelligent use of JOINs is expected
- Use appropriate aliases for tables and columns
- ALWAYS include appropriate LIMIT clauses
- NEVER access system tables or metadata unless explicitly needed
- NEVER use comments in the generated SQL
- NEVER include any explanations or markdown - ONLY the SQL query

Database schema information:
%s

Natural language query: %s

Generate only a valid SQL query as your response:`, engineLabel(target.Engine), schema, question)
}

func engineLabel(e core.Engine) string {
	if e == core.EnginePostgres {
		return "postgresql"
	}
	return string(e)
}
