package repository

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var _ MembershipRepository = (*Neo4jMembership)(nil)

// Neo4jMembership 把成员关系存成 (:User)-[:MEMBER_OF]->(:Group)，与 MembershipRepository 同契约
type Neo4jMembership struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jMembership(driver neo4j.DriverWithContext) *Neo4jMembership {
	return &Neo4jMembership{driver: driver}
}

// EnsureSchema 建立 User.id / Group.id 唯一约束
func (r *Neo4jMembership) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, q := range []string{
			`CREATE CONSTRAINT user_id_unique IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
			`CREATE CONSTRAINT group_id_unique IF NOT EXISTS FOR (g:Group) REQUIRE g.id IS UNIQUE`,
		} {
			if _, err := tx.Run(ctx, q, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (r *Neo4jMembership) ListGroupMembers(ctx context.Context, groupID, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	ids, err := r.readIDs(ctx, `
		MATCH (u:User)-[:MEMBER_OF]->(g:Group {id: $groupId})
		WHERE u.id > $cursor
		RETURN u.id AS id
		ORDER BY id
		LIMIT $limit`,
		map[string]any{"groupId": groupID, "cursor": cursor, "limit": limit + 1})
	if err != nil {
		return nil, "", fmt.Errorf("list members of %s: %w", groupID, err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
		return ids, ids[limit-1], nil
	}
	return ids, "", nil
}

func (r *Neo4jMembership) MembersOf(ctx context.Context, groupIDs, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(groupIDs) == 0 || len(userIDs) == 0 {
		return out, nil
	}
	ids, err := r.readIDs(ctx, `
		MATCH (u:User)-[:MEMBER_OF]->(g:Group)
		WHERE g.id IN $groupIds AND u.id IN $userIds
		RETURN DISTINCT u.id AS id`,
		map[string]any{"groupIds": groupIDs, "userIds": userIDs})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (r *Neo4jMembership) MemberGroups(ctx context.Context, userID string, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	return r.readIDs(ctx, `
		MATCH (u:User {id: $userId})-[:MEMBER_OF]->(g:Group)
		WHERE g.id IN $groupIds
		RETURN g.id AS id`,
		map[string]any{"userId": userID, "groupIds": groupIDs})
}

func (r *Neo4jMembership) AddMembers(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// MERGE 幂等
		_, err := tx.Run(ctx, `
			MERGE (g:Group {id: $groupId})
			WITH g
			UNWIND $userIds AS uid
			MERGE (u:User {id: uid})
			MERGE (u)-[r:MEMBER_OF]->(g)
			ON CREATE SET r.created_at = datetime()`,
			map[string]any{"groupId": groupID, "userIds": userIDs})
		return nil, err
	})
	return err
}

func (r *Neo4jMembership) RemoveMember(ctx context.Context, groupID, userID string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (u:User {id: $userId})-[r:MEMBER_OF]->(g:Group {id: $groupId})
			DELETE r`,
			map[string]any{"userId": userID, "groupId": groupID})
		return nil, err
	})
	return err
}

func (r *Neo4jMembership) readIDs(ctx context.Context, query string, params map[string]any) ([]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	res, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		rows, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0)
		for rows.Next(ctx) {
			v, ok := rows.Record().Get("id")
			if !ok {
				continue
			}
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}
