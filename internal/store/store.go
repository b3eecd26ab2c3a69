// Package store durably persists processed messages in SQLite. One
// message maps to one row in images plus one row per keypoint, written
// in a single transaction: either the whole message is stored or the
// write is rolled back.
package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"imgpipe/internal/wire"
)

// Image mirrors one processed message.
type Image struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	ImageID      string `gorm:"index;not null"`
	Format       string `gorm:"not null"`
	Width        uint32 `gorm:"not null"`
	Height       uint32 `gorm:"not null"`
	CapturedAt   int64  `gorm:"not null"`
	ProcessedAt  int64  `gorm:"not null"`
	NumKeypoints int    `gorm:"not null"`
	ImageData    []byte
	CreatedAt    int64 `gorm:"autoCreateTime:milli"`
}

func (Image) TableName() string { return "images" }

// Keypoint is one detected feature of an image. Descriptor is the raw
// little-endian float32 vector, NULL when the detector emitted no
// descriptor for this keypoint.
type Keypoint struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	ImageRef   int64 `gorm:"column:image_ref;index;not null"`
	X          float32
	Y          float32
	Size       float32
	Angle      float32
	Response   float32
	Octave     int32
	Descriptor []byte
}

func (Keypoint) TableName() string { return "keypoints" }

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and
// migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Image{}, &Keypoint{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save stores one processed message atomically. The i-th descriptor is
// paired with the i-th keypoint; keypoints beyond the descriptor count
// get a NULL descriptor, matching best-effort detectors.
func (s *Store) Save(msg *wire.Processed) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		img := Image{
			ImageID:      msg.ID,
			Format:       msg.Format,
			Width:        msg.Width,
			Height:       msg.Height,
			CapturedAt:   msg.CapturedAt,
			ProcessedAt:  msg.ProcessedAt,
			NumKeypoints: len(msg.Keypoints),
			ImageData:    msg.Payload,
		}
		if err := tx.Create(&img).Error; err != nil {
			return fmt.Errorf("insert image %s: %w", msg.ID, err)
		}
		if len(msg.Keypoints) == 0 {
			return nil
		}
		rows := make([]Keypoint, len(msg.Keypoints))
		for i, kp := range msg.Keypoints {
			rows[i] = Keypoint{
				ImageRef: img.ID,
				X:        kp.X,
				Y:        kp.Y,
				Size:     kp.Size,
				Angle:    kp.Angle,
				Response: kp.Response,
				Octave:   kp.Octave,
			}
			if i < len(msg.Descriptors) && len(msg.Descriptors[i]) > 0 {
				rows[i].Descriptor = descriptorBlob(msg.Descriptors[i])
			}
		}
		if err := tx.CreateInBatches(rows, 256).Error; err != nil {
			return fmt.Errorf("insert keypoints for %s: %w", msg.ID, err)
		}
		return nil
	})
}

// Load fetches a stored image and its keypoints by capture identifier.
func (s *Store) Load(imageID string) (*Image, []Keypoint, error) {
	var img Image
	if err := s.db.Where("image_id = ?", imageID).First(&img).Error; err != nil {
		return nil, nil, err
	}
	var kps []Keypoint
	if err := s.db.Where("image_ref = ?", img.ID).Order("id").Find(&kps).Error; err != nil {
		return nil, nil, err
	}
	return &img, kps, nil
}

// Stats summarizes the stored data, mirroring the totals the original
// logger printed on shutdown.
type Stats struct {
	Images    int64
	Keypoints int64
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.Model(&Image{}).Count(&st.Images).Error; err != nil {
		return Stats{}, err
	}
	err := s.db.Model(&Image{}).
		Select("COALESCE(SUM(num_keypoints), 0)").
		Scan(&st.Keypoints).Error
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func descriptorBlob(d []float32) []byte {
	blob := make([]byte, 0, 4*len(d))
	for _, v := range d {
		blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(v))
	}
	return blob
}

// DecodeDescriptor converts a stored descriptor blob back to floats.
func DecodeDescriptor(blob []byte) []float32 {
	d := make([]float32, len(blob)/4)
	for i := range d {
		d[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return d
}
