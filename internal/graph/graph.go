// Package graph mirrors applications, roles, SoD rules and current access
// grants into Neo4j for cross-application access queries.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Graph struct {
	driver neo4j.DriverWithContext
}

type Config struct {
	URI      string
	Username string
	Password string
}

func New(ctx context.Context, cfg Config) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	g := &Graph{driver: driver}

	if err := g.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return g, nil
}

func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

func (g *Graph) createIndexes(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS FOR (n:Application) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Role) ON (n.id)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Identity) ON (n.key)",
		"CREATE INDEX IF NOT EXISTS FOR (n:Identity) ON (n.email)",
	}

	for _, idx := range indexes {
		if _, err := session.Run(ctx, idx, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	return nil
}

func rows[T any](items []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = fn(it)
	}
	return out
}

// Apply replaces the graph contents with snap in one write transaction.
func (g *Graph) Apply(ctx context.Context, snap *Snapshot) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	syncedAt := time.Now().UTC().Format(time.RFC3339)

	statements := []struct {
		query  string
		params map[string]any
	}{
		{
			`MATCH (i:Identity)-[h:HAS_ROLE]->() DELETE h`,
			nil,
		},
		{
			`MATCH ()-[c:CONFLICTS_WITH]->() DELETE c`,
			nil,
		},
		{
			`UNWIND $rows AS row
			 MERGE (a:Application {id: row.id})
			 SET a.name = row.name, a.criticality = row.criticality, a.syncedAt = $syncedAt`,
			map[string]any{"rows": rows(snap.Applications, func(a AppNode) map[string]any {
				return map[string]any{"id": a.ID, "name": a.Name, "criticality": a.Criticality}
			})},
		},
		{
			`UNWIND $rows AS row
			 MATCH (a:Application {id: row.applicationId})
			 MERGE (r:Role {id: row.id})
			 SET r.name = row.name, r.riskLevel = row.riskLevel, r.privileged = row.privileged, r.syncedAt = $syncedAt
			 MERGE (r)-[:ROLE_OF]->(a)`,
			map[string]any{"rows": rows(snap.Roles, func(r RoleNode) map[string]any {
				return map[string]any{
					"id":            r.ID,
					"applicationId": r.ApplicationID,
					"name":          r.Name,
					"riskLevel":     r.RiskLevel,
					"privileged":    r.Privileged,
				}
			})},
		},
		{
			`UNWIND $rows AS row
			 MATCH (r1:Role {id: row.role1Id})
			 MATCH (r2:Role {id: row.role2Id})
			 MERGE (r1)-[c:CONFLICTS_WITH {ruleId: row.ruleId}]->(r2)
			 SET c.severity = row.severity`,
			map[string]any{"rows": rows(snap.Conflicts, func(c ConflictEdge) map[string]any {
				return map[string]any{"ruleId": c.RuleID, "role1Id": c.Role1ID, "role2Id": c.Role2ID, "severity": c.Severity}
			})},
		},
		{
			`UNWIND $rows AS row
			 MERGE (i:Identity {key: row.key})
			 SET i.username = row.username, i.email = row.email, i.employeeId = row.employeeId,
			     i.matched = row.matched, i.syncedAt = $syncedAt`,
			map[string]any{"rows": rows(snap.Identities, func(i IdentityNode) map[string]any {
				return map[string]any{
					"key":        i.Key,
					"username":   i.Username,
					"email":      i.Email,
					"employeeId": i.EmployeeID,
					"matched":    i.Matched,
				}
			})},
		},
		{
			`UNWIND $rows AS row
			 MATCH (i:Identity {key: row.identityKey})
			 MATCH (r:Role {id: row.roleId})
			 MERGE (i)-[h:HAS_ROLE]->(r)
			 SET h.reviewCycleId = row.reviewCycleId, h.dormant = row.dormant, h.reviewStatus = row.reviewStatus`,
			map[string]any{"rows": rows(snap.Grants, func(gr GrantEdge) map[string]any {
				return map[string]any{
					"identityKey":   gr.IdentityKey,
					"roleId":        gr.RoleID,
					"reviewCycleId": gr.ReviewCycleID,
					"dormant":       gr.Dormant,
					"reviewStatus":  gr.ReviewStatus,
				}
			})},
		},
		{
			// Nodes not touched by this sync are gone from the source.
			`MATCH (n) WHERE (n:Application OR n:Role OR n:Identity) AND n.syncedAt <> $syncedAt
			 DETACH DELETE n`,
			nil,
		},
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements {
			params := map[string]any{"syncedAt": syncedAt}
			for k, v := range st.params {
				params[k] = v
			}
			if _, err := tx.Run(ctx, st.query, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("applying graph snapshot: %w", err)
	}
	return nil
}

// IdentityAccess is one identity's privileged footprint across
// applications.
type IdentityAccess struct {
	Key          string   `json:"key"`
	Username     string   `json:"username"`
	Email        string   `json:"email,omitempty"`
	Applications []string `json:"applications"`
	Roles        []string `json:"roles"`
}

// PrivilegedAcrossApplications returns identities holding privileged roles
// in at least minApps applications.
func (g *Graph) PrivilegedAcrossApplications(ctx context.Context, minApps int) ([]IdentityAccess, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity)-[:HAS_ROLE]->(r:Role {privileged: true})-[:ROLE_OF]->(a:Application)
		WITH i, collect(DISTINCT a.name) AS apps, collect(DISTINCT r.name) AS roles
		WHERE size(apps) >= $minApps
		RETURN i.key AS key, i.username AS username, i.email AS email, apps, roles
		ORDER BY size(apps) DESC, key
	`

	result, err := session.Run(ctx, query, map[string]any{"minApps": minApps})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var out []IdentityAccess
	for result.Next(ctx) {
		rec := result.Record()
		key, _ := rec.Get("key")
		username, _ := rec.Get("username")
		email, _ := rec.Get("email")
		apps, _ := rec.Get("apps")
		roles, _ := rec.Get("roles")

		access := IdentityAccess{
			Key:          asString(key),
			Username:     asString(username),
			Email:        asString(email),
			Applications: asStrings(apps),
			Roles:        asStrings(roles),
		}
		out = append(out, access)
	}
	return out, result.Err()
}

// ConflictHolder is an identity holding both roles of a SoD rule.
type ConflictHolder struct {
	IdentityKey string `json:"identityKey"`
	Username    string `json:"username"`
	RuleID      string `json:"ruleId"`
	Role1       string `json:"role1"`
	Role2       string `json:"role2"`
	Severity    string `json:"severity"`
}

func (g *Graph) ConflictHolders(ctx context.Context) ([]ConflictHolder, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (i:Identity)-[:HAS_ROLE]->(r1:Role)-[c:CONFLICTS_WITH]->(r2:Role)<-[:HAS_ROLE]-(i)
		RETURN i.key AS key, i.username AS username, c.ruleId AS ruleId,
		       r1.name AS role1, r2.name AS role2, c.severity AS severity
		ORDER BY severity, key
	`

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var out []ConflictHolder
	for result.Next(ctx) {
		rec := result.Record()
		get := func(k string) string {
			v, _ := rec.Get(k)
			return asString(v)
		}
		out = append(out, ConflictHolder{
			IdentityKey: get("key"),
			Username:    get("username"),
			RuleID:      get("ruleId"),
			Role1:       get("role1"),
			Role2:       get("role2"),
			Severity:    get("severity"),
		})
	}
	return out, result.Err()
}

type Stats struct {
	Applications int `json:"applications"`
	Roles        int `json:"roles"`
	Identities   int `json:"identities"`
	Grants       int `json:"grants"`
}

func (g *Graph) Stats(ctx context.Context) (*Stats, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	stats := &Stats{}
	counts := []struct {
		query  string
		target *int
	}{
		{`MATCH (n:Application) RETURN count(n) AS count`, &stats.Applications},
		{`MATCH (n:Role) RETURN count(n) AS count`, &stats.Roles},
		{`MATCH (n:Identity) RETURN count(n) AS count`, &stats.Identities},
		{`MATCH ()-[h:HAS_ROLE]->() RETURN count(h) AS count`, &stats.Grants},
	}
	for _, c := range counts {
		result, err := session.Run(ctx, c.query, nil)
		if err != nil {
			return nil, fmt.Errorf("executing query: %w", err)
		}
		if result.Next(ctx) {
			count, _ := result.Record().Get("count")
			if n, ok := count.(int64); ok {
				*c.target = int(n)
			}
		}
	}
	return stats, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Writer receives a built snapshot. *Graph implements it.
type Writer interface {
	Apply(ctx context.Context, snap *Snapshot) error
}

type Syncer struct {
	source Source
	writer Writer
	logger *slog.Logger
}

func NewSyncer(source Source, writer Writer, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{source: source, writer: writer, logger: logger}
}

func (s *Syncer) Sync(ctx context.Context) error {
	start := time.Now()
	snap, err := BuildSnapshot(ctx, s.source)
	if err != nil {
		return err
	}
	if err := s.writer.Apply(ctx, snap); err != nil {
		return err
	}
	s.logger.Info("access graph synced",
		"applications", len(snap.Applications),
		"roles", len(snap.Roles),
		"identities", len(snap.Identities),
		"grants", len(snap.Grants),
		"duration", time.Since(start))
	return nil
}
