package audit

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tlbengine/internal/book"
	"tlbengine/internal/tlb"
)

// TerminalInstructionRecord is one row per linked terminal instruction in a
// submitted recipe. Fill-only and swap-only columns are left zero when Kind
// doesn't apply — modeled as one wide table rather than two narrow ones so
// a recipe's instructions stay ordered by Seq within RecipeID without a join.
type TerminalInstructionRecord struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	RecipeID   string `gorm:"type:varchar(64);not null;index"`
	Pair       string `gorm:"type:varchar(64);not null;index"`
	Seq        int    `gorm:"not null"`
	Kind       string `gorm:"type:varchar(8);not null"` // "fill" | "swap"
	TargetID   string `gorm:"type:varchar(128);not null"`

	RemovedInput uint64 `gorm:"not null"`
	AddedOutput  uint64 `gorm:"not null"`
	BudgetUsed   uint64 `gorm:"not null"`
	FeeUsed      uint64 `gorm:"not null"`

	SwapInput  uint64 `gorm:"not null"`
	SwapOutput uint64 `gorm:"not null"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (TerminalInstructionRecord) TableName() string { return "tlb_terminal_instructions" }

// MySQLSink persists recipes via gorm. Grounded on the blackholedex
// example's MySQLRecorder: gorm.Open + AutoMigrate at construction, one
// Create call per write, no read path back out.
type MySQLSink struct {
	db *gorm.DB
}

func newMySQLSink(dsn string) (*MySQLSink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := db.AutoMigrate(&TerminalInstructionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &MySQLSink{db: db}, nil
}

// RecordRecipe writes one row per linked instruction, tagged with a
// generated recipe id so rows from the same submission stay grouped.
func (s *MySQLSink) RecordRecipe(pair book.PairID, linked []tlb.LinkedTerminalInstruction) error {
	if len(linked) == 0 {
		return nil
	}
	recipeID := recipeKey(pair, linked)
	rows := make([]TerminalInstructionRecord, 0, len(linked))
	for i, li := range linked {
		row := TerminalInstructionRecord{
			RecipeID: recipeID,
			Pair:     pair.String(),
			Seq:      i,
		}
		switch li.Kind {
		case tlb.TerminalFill:
			row.Kind = "fill"
			row.TargetID = string(li.Fill.TargetFr.StableID())
			row.RemovedInput = li.Fill.RemovedInput
			row.AddedOutput = li.Fill.AddedOutput
			row.BudgetUsed = li.Fill.BudgetUsed
			row.FeeUsed = li.Fill.FeeUsed
		case tlb.TerminalSwap:
			row.Kind = "swap"
			row.TargetID = string(li.Swap.Target.StableID())
			row.SwapInput = li.Swap.Input
			row.SwapOutput = li.Swap.Output
		}
		rows = append(rows, row)
	}
	if err := s.db.Create(&rows).Error; err != nil {
		return fmt.Errorf("record recipe: %w", err)
	}
	return nil
}

func (s *MySQLSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return sqlDB.Close()
}

var _ Sink = (*MySQLSink)(nil)

// recipeKey derives a stable grouping id for a recipe's rows from its pair
// and first instruction's target, since the driver does not hand the sink
// a pre-minted recipe identifier.
func recipeKey(pair book.PairID, linked []tlb.LinkedTerminalInstruction) string {
	if len(linked) == 0 {
		return pair.String()
	}
	first := linked[0]
	var target string
	if first.Kind == tlb.TerminalFill {
		target = string(first.Fill.TargetFr.StableID())
	} else {
		target = string(first.Swap.Target.StableID())
	}
	return fmt.Sprintf("%s-%s-%d", pair.String(), target, len(linked))
}
