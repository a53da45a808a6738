package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"velocitymesh/backend/internal/config"
	"velocitymesh/backend/internal/logging"
	"velocitymesh/backend/internal/repository"
	"velocitymesh/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	// Load config
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)

	// 1. Ensure schema exists
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}

	// 2. Check for existing workflows to prevent duplicates
	existing, err := store.ListWorkflows(ctx)
	if err != nil {
		log.Fatalf("Failed to list existing workflows: %v", err)
	}

	existingMap := make(map[string]bool)
	for _, w := range existing {
		existingMap[w.Name] = true
	}

	// 3. Create seed workflows
	for _, def := range seedWorkflows() {
		if existingMap[def.Name] {
			logger.Info("Workflow already seeded, skipping", "name", def.Name)
			continue
		}
		def.ID = uuid.New().String()
		def.UpdatedAt = time.Now().UTC()
		if err := store.CreateWorkflow(ctx, def); err != nil {
			log.Fatalf("Failed to seed workflow %q: %v", def.Name, err)
		}
		logger.Info("Seeded workflow", "name", def.Name, "id", def.ID)
	}

	logger.Info("Seeding complete")
}

func seedWorkflows() []*models.WorkflowDefinition {
	return []*models.WorkflowDefinition{
		{
			Name:        "Order Notification",
			Description: "Notifies the sales channel when a new order arrives.",
			Status:      models.WorkflowStatusActive,
			CreatedBy:   "seed",
			Nodes: []models.WorkflowNode{
				{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{Label: "Order received"}},
				{ID: "a1", Type: models.NodeTypeAction, Data: models.NodeData{
					Label:  "Post to channel",
					Config: map[string]any{"integration": "slack", "channel": "#orders"},
				}},
			},
			Edges: []models.WorkflowEdge{
				{ID: "e1", Source: "t1", Target: "a1"},
			},
		},
		{
			Name:        "High Value Escalation",
			Description: "Routes orders above a threshold to manual review.",
			Status:      models.WorkflowStatusActive,
			CreatedBy:   "seed",
			Nodes: []models.WorkflowNode{
				{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{Label: "Order received"}},
				{ID: "c1", Type: models.NodeTypeCondition, Data: models.NodeData{
					Label:  "Above threshold?",
					Config: map[string]any{"expression": "total > 1000"},
				}},
				{ID: "a1", Type: models.NodeTypeAction, Data: models.NodeData{
					Label:  "Escalate",
					Config: map[string]any{"integration": "email", "to": "review@velocitymesh.dev"},
				}},
				{ID: "a2", Type: models.NodeTypeAction, Data: models.NodeData{
					Label:  "Auto approve",
					Config: map[string]any{"integration": "orders", "op": "approve"},
				}},
			},
			Edges: []models.WorkflowEdge{
				{ID: "e1", Source: "t1", Target: "c1"},
				{ID: "e2", Source: "c1", Target: "a1", Condition: "true"},
				{ID: "e3", Source: "c1", Target: "a2", Condition: "false"},
			},
		},
		{
			Name:        "Lead Summarizer",
			Description: "Summarizes inbound leads with the AI assistant.",
			Status:      models.WorkflowStatusDraft,
			CreatedBy:   "seed",
			Nodes: []models.WorkflowNode{
				{ID: "t1", Type: models.NodeTypeTrigger, Data: models.NodeData{Label: "Lead created"}},
				{ID: "ai1", Type: models.NodeTypeAIAssistant, Data: models.NodeData{
					Label:  "Summarize lead",
					Config: map[string]any{"prompt": "summarize"},
				}},
			},
			Edges: []models.WorkflowEdge{
				{ID: "e1", Source: "t1", Target: "ai1"},
			},
		},
	}
}
