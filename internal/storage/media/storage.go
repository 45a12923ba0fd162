package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// MaxSize limita o tamanho de mídias baixadas para campanhas.
const MaxSize = 64 << 20

var ErrTooLarge = errors.New("mídia excede o tamanho máximo")

// Media é um arquivo pronto para upload no transporte.
type Media struct {
	Data     []byte
	Mimetype string
	FileName string
}

// Storage mantém em disco as mídias referenciadas por URL nas campanhas,
// evitando baixar o mesmo arquivo para cada destinatário.
type Storage struct {
	baseDir string
	ttl     time.Duration
	client  *http.Client
	log     *zap.Logger
	mu      sync.RWMutex
	stop    chan struct{}
	once    sync.Once
}

func NewStorage(baseDir string, ttl time.Duration, log *zap.Logger) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("criar diretório de mídia: %w", err)
	}

	s := &Storage{
		baseDir: baseDir,
		ttl:     ttl,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log,
		stop:    make(chan struct{}),
	}

	go s.startCleanupJob()

	return s, nil
}

// Fetch retorna a mídia do cache ou baixa de rawURL.
func (s *Storage) Fetch(ctx context.Context, rawURL string) (Media, error) {
	key := cacheKey(rawURL)
	fileName := fileNameFromURL(rawURL)

	if data, err := s.read(key); err == nil {
		return Media{Data: data, Mimetype: mimetype.Detect(data).String(), FileName: fileName}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Media{}, fmt.Errorf("url de mídia inválida: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("baixar mídia: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Media{}, fmt.Errorf("baixar mídia: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSize+1))
	if err != nil {
		return Media{}, fmt.Errorf("ler mídia: %w", err)
	}
	if len(data) > MaxSize {
		return Media{}, ErrTooLarge
	}

	if err := s.write(key, data); err != nil {
		s.log.Warn("não foi possível armazenar mídia em cache", zap.String("url", rawURL), zap.Error(err))
	}

	detected := mimetype.Detect(data)
	s.log.Info("mídia baixada",
		zap.String("url", rawURL),
		zap.Int("size", len(data)),
		zap.String("mimetype", detected.String()),
	)

	return Media{Data: data, Mimetype: detected.String(), FileName: fileName}, nil
}

func (s *Storage) read(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return os.ReadFile(filepath.Join(s.baseDir, key))
}

func (s *Storage) write(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(filepath.Join(s.baseDir, key), data, 0644)
}

// Close encerra o job de limpeza.
func (s *Storage) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Storage) startCleanupJob() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup remove arquivos mais antigos que o TTL.
func (s *Storage) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted, checked int
	cutoff := time.Now().Add(-s.ttl)

	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		checked++

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				s.log.Warn("erro ao deletar arquivo expirado", zap.String("path", p), zap.Error(err))
			} else {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("erro durante limpeza", zap.Error(err))
	}

	s.log.Debug("limpeza de mídia concluída",
		zap.Int("checked", checked),
		zap.Int("deleted", deleted),
	)
}

func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

func fileNameFromURL(rawURL string) string {
	clean := rawURL
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	name := path.Base(clean)
	if name == "." || name == "/" || name == "" || !strings.Contains(name, ".") {
		return ""
	}
	return name
}
