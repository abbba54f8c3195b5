package fit_parser

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"

	shared "github.com/fitglue/warehouse/pkg"
)

// FIT message order: FileId -> DeviceInfo -> Records -> Lap -> Session.
// Records come BEFORE the Session summary, so everything is collected first
// and the rows are built at the end.

// Result is the normalized output of one FIT file: exactly one session
// summary row plus zero or more detail rows. DecodeErrors carries non-fatal
// diagnostics from the decode capability for the caller to log.
type Result struct {
	Session      shared.Row
	Records      []shared.Row
	DecodeErrors []string
}

// LooksLikeFit is a cheap probe on the FIT file header, used for format
// routing before any real decoding happens.
func LooksLikeFit(data []byte) bool {
	return len(data) >= 12 && string(data[8:12]) == ".FIT"
}

// Parse decodes a FIT file and normalizes it into destination rows.
//
// The session identifier is freshly generated, never derived from content.
// Each detail row's record_id is digest + "_" + RFC3339 timestamp + "_" +
// sequence index, so re-parsing the same bytes reproduces the same IDs and
// retries cannot silently duplicate. A record without a timestamp is
// dropped; the timestamp is the temporal key and is never fabricated.
func Parse(data []byte, digest, filename string) (*Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty FIT data")
	}

	dec := decoder.New(bytes.NewReader(data))

	var fileID *mesgdef.FileId
	var session *mesgdef.Session
	var records []*mesgdef.Record
	var decodeErrs []string

	for dec.Next() {
		fitData, err := dec.Decode()
		if err != nil {
			// Partial decode: keep whatever earlier sequences yielded.
			decodeErrs = append(decodeErrs, err.Error())
			break
		}

		for i := range fitData.Messages {
			msg := &fitData.Messages[i]
			switch msg.Num {
			case typedef.MesgNumFileId:
				if fileID == nil {
					fileID = mesgdef.NewFileId(msg)
				}
			case typedef.MesgNumSession:
				if session == nil {
					session = mesgdef.NewSession(msg)
				}
			case typedef.MesgNumRecord:
				records = append(records, mesgdef.NewRecord(msg))
			}
		}
	}

	if fileID == nil && session == nil && len(records) == 0 {
		if len(decodeErrs) > 0 {
			return nil, fmt.Errorf("failed to decode FIT file: %s", decodeErrs[0])
		}
		return nil, fmt.Errorf("no decodable messages in FIT file")
	}

	sessionID := uuid.NewString()
	result := &Result{
		Session:      buildSessionRow(sessionID, digest, filename, fileID, session),
		DecodeErrors: decodeErrs,
	}

	seq := 0
	for _, rec := range records {
		row := buildRecordRow(sessionID, digest, seq, rec)
		if row == nil {
			continue
		}
		result.Records = append(result.Records, row)
		seq++
	}

	return result, nil
}

func buildSessionRow(sessionID, digest, filename string, fileID *mesgdef.FileId, s *mesgdef.Session) shared.Row {
	row := shared.Row{
		"file_hash":  digest,
		"filename":   filename,
		"session_id": sessionID,
		"created_at": time.Now().UTC(),
	}

	if fileID != nil {
		if !fileID.TimeCreated.IsZero() {
			row["timestamp"] = fileID.TimeCreated.UTC()
		}
		if fileID.Manufacturer != typedef.ManufacturerInvalid {
			row["manufacturer"] = fileID.Manufacturer.String()
		}
		if fileID.Product != 0xFFFF {
			row["product"] = fmt.Sprintf("%d", fileID.Product)
		}
		if fileID.SerialNumber != 0 { // uint32z: 0 is invalid
			row["serial_number"] = int64(fileID.SerialNumber)
		}
	}

	if s == nil {
		return row
	}

	if !s.StartTime.IsZero() {
		row["start_time"] = s.StartTime.UTC()
	}
	if s.Sport != typedef.SportInvalid {
		row["sport"] = s.Sport.String()
	}
	if s.SubSport != typedef.SubSportInvalid {
		row["sub_sport"] = s.SubSport.String()
	}

	// Time (FIT stores milliseconds).
	if s.TotalElapsedTime != 0xFFFFFFFF {
		row["total_elapsed_time"] = float64(s.TotalElapsedTime) / 1000
	}
	if s.TotalTimerTime != 0xFFFFFFFF {
		row["total_timer_time"] = float64(s.TotalTimerTime) / 1000
	}

	// Distance (centimeters) and speed (mm/s), preferring the enhanced
	// variants when present.
	if s.TotalDistance != 0xFFFFFFFF {
		row["total_distance"] = float64(s.TotalDistance) / 100
	}
	if s.EnhancedAvgSpeed != 0xFFFFFFFF {
		row["avg_speed"] = float64(s.EnhancedAvgSpeed) / 1000
	} else if s.AvgSpeed != 0xFFFF {
		row["avg_speed"] = float64(s.AvgSpeed) / 1000
	}
	if s.EnhancedMaxSpeed != 0xFFFFFFFF {
		row["max_speed"] = float64(s.EnhancedMaxSpeed) / 1000
	} else if s.MaxSpeed != 0xFFFF {
		row["max_speed"] = float64(s.MaxSpeed) / 1000
	}

	// Cadence
	if s.AvgCadence != 0xFF {
		row["avg_cadence"] = int64(s.AvgCadence)
	}
	if s.MaxCadence != 0xFF {
		row["max_cadence"] = int64(s.MaxCadence)
	}

	// Heart rate
	if s.MinHeartRate != 0xFF {
		row["min_heart_rate"] = int64(s.MinHeartRate)
	}
	if s.AvgHeartRate != 0xFF {
		row["avg_heart_rate"] = int64(s.AvgHeartRate)
	}
	if s.MaxHeartRate != 0xFF {
		row["max_heart_rate"] = int64(s.MaxHeartRate)
	}

	// Power
	if s.AvgPower != 0xFFFF {
		row["avg_power"] = int64(s.AvgPower)
	}
	if s.MaxPower != 0xFFFF {
		row["max_power"] = int64(s.MaxPower)
	}
	if s.NormalizedPower != 0xFFFF {
		row["normalized_power"] = int64(s.NormalizedPower)
	}
	if s.ThresholdPower != 0xFFFF {
		row["threshold_power"] = int64(s.ThresholdPower)
	}

	// Work and calories
	if s.TotalWork != 0xFFFFFFFF {
		row["total_work"] = int64(s.TotalWork)
	}
	if s.TotalCalories != 0xFFFF {
		row["total_calories"] = int64(s.TotalCalories)
	}

	// Altitude (FIT uses 5 * (altitude + 500)), enhanced preferred.
	if s.EnhancedMinAltitude != 0xFFFFFFFF {
		row["min_altitude"] = float64(s.EnhancedMinAltitude)/5 - 500
	} else if s.MinAltitude != 0xFFFF {
		row["min_altitude"] = float64(s.MinAltitude)/5 - 500
	}
	if s.EnhancedAvgAltitude != 0xFFFFFFFF {
		row["avg_altitude"] = float64(s.EnhancedAvgAltitude)/5 - 500
	} else if s.AvgAltitude != 0xFFFF {
		row["avg_altitude"] = float64(s.AvgAltitude)/5 - 500
	}
	if s.EnhancedMaxAltitude != 0xFFFFFFFF {
		row["max_altitude"] = float64(s.EnhancedMaxAltitude)/5 - 500
	} else if s.MaxAltitude != 0xFFFF {
		row["max_altitude"] = float64(s.MaxAltitude)/5 - 500
	}
	if s.TotalAscent != 0xFFFF {
		row["total_ascent"] = int64(s.TotalAscent)
	}
	if s.TotalDescent != 0xFFFF {
		row["total_descent"] = int64(s.TotalDescent)
	}

	// Grade (scale 100)
	if s.AvgGrade != 0x7FFF {
		row["avg_grade"] = float64(s.AvgGrade) / 100
	}
	if s.MaxPosGrade != 0x7FFF {
		row["max_pos_grade"] = float64(s.MaxPosGrade) / 100
	}
	if s.MaxNegGrade != 0x7FFF {
		row["max_neg_grade"] = float64(s.MaxNegGrade) / 100
	}

	// Temperature
	if s.AvgTemperature != 0x7F {
		row["avg_temperature"] = int64(s.AvgTemperature)
	}
	if s.MaxTemperature != 0x7F {
		row["max_temperature"] = int64(s.MaxTemperature)
	}

	// Training metrics
	if s.TrainingStressScore != 0xFFFF {
		row["training_stress_score"] = float64(s.TrainingStressScore) / 10
	}
	if s.IntensityFactor != 0xFFFF {
		row["intensity_factor"] = float64(s.IntensityFactor) / 1000
	}

	if s.NumLaps != 0xFFFF {
		row["num_laps"] = int64(s.NumLaps)
	}

	return row
}

func buildRecordRow(sessionID, digest string, seq int, rec *mesgdef.Record) shared.Row {
	ts := rec.Timestamp
	if ts.IsZero() {
		return nil
	}
	ts = ts.UTC()

	row := shared.Row{
		"session_id": sessionID,
		"file_hash":  digest,
		"record_id":  fmt.Sprintf("%s_%s_%d", digest, ts.Format(time.RFC3339), seq),
		"timestamp":  ts,
	}

	// Position (semicircles -> decimal degrees). Latitude and longitude
	// convert independently; a missing raw value stays missing, never zero.
	if rec.PositionLat != 0x7FFFFFFF {
		row["position_lat"] = semicirclesToDegrees(int64(rec.PositionLat))
	}
	if rec.PositionLong != 0x7FFFFFFF {
		row["position_long"] = semicirclesToDegrees(int64(rec.PositionLong))
	}
	if rec.GpsAccuracy != 0xFF {
		row["gps_accuracy"] = int64(rec.GpsAccuracy)
	}

	// Altitude: both the base and enhanced columns exist in the destination
	// table, so no coalescing here.
	if rec.Altitude != 0xFFFF {
		row["altitude"] = float64(rec.Altitude)/5 - 500
	}
	if rec.EnhancedAltitude != 0xFFFFFFFF {
		row["enhanced_altitude"] = float64(rec.EnhancedAltitude)/5 - 500
	}
	if rec.Grade != 0x7FFF {
		row["grade"] = float64(rec.Grade) / 100
	}

	if rec.Distance != 0xFFFFFFFF {
		row["distance"] = float64(rec.Distance) / 100
	}

	// Vitals
	if rec.HeartRate != 0xFF {
		row["heart_rate"] = int64(rec.HeartRate)
	}
	if rec.Cadence != 0xFF {
		row["cadence"] = int64(rec.Cadence)
	}
	if rec.Power != 0xFFFF {
		row["power"] = int64(rec.Power)
	}

	// Speed (mm/s)
	if rec.Speed != 0xFFFF {
		row["speed"] = float64(rec.Speed) / 1000
	}
	if rec.EnhancedSpeed != 0xFFFFFFFF {
		row["enhanced_speed"] = float64(rec.EnhancedSpeed) / 1000
	}

	if rec.Temperature != 0x7F {
		row["temperature"] = int64(rec.Temperature)
	}
	if rec.Calories != 0xFFFF {
		row["calories"] = int64(rec.Calories)
	}

	// Battery state of charge (percent, scale 2).
	if rec.BatterySoc != 0xFF {
		row["battery_soc"] = float64(rec.BatterySoc) / 2
	}

	return row
}

// semicirclesToDegrees converts a device-native angular value: 2^31
// semicircles span 180 degrees.
func semicirclesToDegrees(raw int64) float64 {
	return float64(raw) * (180.0 / 2147483648.0)
}
