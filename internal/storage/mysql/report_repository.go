package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// ReportRecord 表示一次研究执行产出的归档结构。
type ReportRecord struct {
	Topic        string `json:"topic"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Report       string `json:"report"`
	ReportFile   string `json:"report_file"`
	Observations string `json:"observations"`
	CreatedAt    int64  `json:"created_at"`
}

// ReportRepository 抽象研究报告的持久化接口。
type ReportRepository interface {
	Save(ctx context.Context, record ReportRecord) error
	ListLatest(ctx context.Context, limit int) ([]ReportRecord, error)
}

// MemoryReportRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryReportRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ReportRecord
}

// 内存仓库最多保留的记录条数。
const memoryRepositoryCap = 512

// NewMemoryReportRepository 创建一个内存报告仓库。
func NewMemoryReportRepository(dataDir string) (*MemoryReportRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "reports.log")
	repo := &MemoryReportRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式归档研究报告。
func (m *MemoryReportRepository) Save(_ context.Context, record ReportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开报告日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化报告记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入报告日志失败: %w", err)
	}

	m.records = append([]ReportRecord{record}, m.records...)
	if len(m.records) > memoryRepositoryCap {
		m.records = m.records[:memoryRepositoryCap]
	}
	return nil
}

// ListLatest 返回最近的报告记录，按时间倒序排列。
func (m *MemoryReportRepository) ListLatest(_ context.Context, limit int) ([]ReportRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]ReportRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryReportRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取报告日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []ReportRecord
	for scanner.Scan() {
		var record ReportRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ReportRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析报告日志失败: %w", err)
	}

	if len(restored) > memoryRepositoryCap {
		restored = restored[:memoryRepositoryCap]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLReportRepository 使用真实的 MySQL 数据库归档研究报告。
type SQLReportRepository struct {
	db *sql.DB
}

// NewSQLReportRepository 创建连接池并执行数据库迁移。
func NewSQLReportRepository(ctx context.Context, cfg Config) (*SQLReportRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLReportRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将报告记录写入 MySQL。
func (s *SQLReportRepository) Save(ctx context.Context, record ReportRecord) error {
	const stmt = `INSERT INTO reports
        (topic, provider, model, report, report_file, observations, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.Topic,
		record.Provider,
		record.Model,
		record.Report,
		record.ReportFile,
		record.Observations,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条报告记录。
func (s *SQLReportRepository) ListLatest(ctx context.Context, limit int) ([]ReportRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT topic, provider, model, report, report_file, observations, created_at
        FROM reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询报告记录失败: %w", err)
	}
	defer rows.Close()

	var records []ReportRecord
	for rows.Next() {
		var record ReportRecord
		if err := rows.Scan(&record.Topic, &record.Provider, &record.Model, &record.Report, &record.ReportFile, &record.Observations, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析报告记录失败: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历报告记录失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLReportRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ ReportRepository = (*MemoryReportRepository)(nil)
	_ ReportRepository = (*SQLReportRepository)(nil)
)
