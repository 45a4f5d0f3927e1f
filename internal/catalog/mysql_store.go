package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/0rca-network/0rca-chat-sub000/deploy/migrations"
)

// MySQLConfig 描述目录库的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 将智能体目录持久化到 MySQL。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开连接并执行内嵌的表结构迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	statements, err := migrations.Statements()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("加载迁移语句失败: %w", err)
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			db.Close()
			return nil, fmt.Errorf("执行表结构迁移失败: %w", err)
		}
	}

	return &MySQLStore{db: db}, nil
}

// ListAgents 读取完整目录快照。每次编排都重新查询，换取始终新鲜的目录状态。
func (s *MySQLStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, system_prompt, subdomain, chain_agent_id FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询目录失败: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var agent Agent
		var description, systemPrompt, subdomain, chainAgentID sql.NullString
		if err := rows.Scan(&agent.ID, &agent.Name, &description, &systemPrompt, &subdomain, &chainAgentID); err != nil {
			return nil, fmt.Errorf("读取目录记录失败: %w", err)
		}
		agent.Description = description.String
		agent.SystemPrompt = systemPrompt.String
		agent.Subdomain = subdomain.String
		agent.ChainAgentID = chainAgentID.String
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历目录失败: %w", err)
	}
	return agents, nil
}

// GetAgent 返回指定的智能体。
func (s *MySQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, system_prompt, subdomain, chain_agent_id FROM agents WHERE id = ?`, id)

	var agent Agent
	var description, systemPrompt, subdomain, chainAgentID sql.NullString
	if err := row.Scan(&agent.ID, &agent.Name, &description, &systemPrompt, &subdomain, &chainAgentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("查询智能体失败: %w", err)
	}
	agent.Description = description.String
	agent.SystemPrompt = systemPrompt.String
	agent.Subdomain = subdomain.String
	agent.ChainAgentID = chainAgentID.String
	return &agent, nil
}

// UpsertAgent 新增或更新一条记录。
func (s *MySQLStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agents (id, name, description, system_prompt, subdomain, chain_agent_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name = VALUES(name), description = VALUES(description), system_prompt = VALUES(system_prompt),
    subdomain = VALUES(subdomain), chain_agent_id = VALUES(chain_agent_id), updated_at = VALUES(updated_at)`,
		agent.ID, agent.Name, agent.Description, agent.SystemPrompt,
		agent.Subdomain, agent.ChainAgentID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("写入智能体失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
var _ Store = (*MemoryStore)(nil)
