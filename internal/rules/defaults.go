package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hyperengineering/reconcile/internal/types"
)

// Entity names with built-in rules.
const (
	EntityAttemptKuis = "attempt_kuis"
	EntityJawaban     = "jawaban"
	EntityKuisJawaban = "kuis_jawaban"
	EntityKehadiran   = "kehadiran"
	EntityNilai       = "nilai"
	EntityMateri      = "materi"
	EntitySoal        = "soal"
	EntityKuis        = "kuis"
)

// largeGradeDelta is the final-grade difference treated as a likely error.
const largeGradeDelta = 20

// Default returns the built-in rule table, most frequently updated first.
func Default() *Registry {
	return NewRegistry(
		AttemptKuis(),
		Jawaban(),
		KuisJawaban(),
		Kehadiran(),
		Nilai(),
		Materi(),
		Soal(),
		Kuis(),
	)
}

// AttemptKuis covers quiz attempts, updated constantly while a quiz runs.
func AttemptKuis() Rule {
	return Rule{
		Entity: EntityAttemptKuis,
		ProtectedFields: []string{
			"mahasiswa_id",
			"kuis_id",
			"started_at",
			"auto_save_data",
			"device_id",
			"attempt_number",
		},
		ServerAuthoritativeFields: []string{
			"status",
			"total_score",
			"percentage",
			"is_passed",
			"synced_at",
			"sync_status",
		},
		Validator: func(local, remote types.Record) *Verdict {
			if text(local, "status") == "submitted" && text(remote, "status") == "submitted" &&
				differs(local, remote, "submitted_at") {
				return Manual("Duplicate submission detected - needs manual review")
			}
			if differs(local, remote, "mahasiswa_id") {
				return Diagnostic("Student ID mismatch - data corruption?")
			}
			if differs(local, remote, "kuis_id") {
				return Diagnostic("Quiz ID mismatch - data corruption?")
			}
			return nil
		},
	}
}

// Jawaban covers individual answers inside an attempt.
func Jawaban() Rule {
	return Rule{
		Entity: EntityJawaban,
		ProtectedFields: []string{
			"attempt_id",
			"soal_id",
			"jawaban_mahasiswa",
			"jawaban_data",
			"saved_at",
			"is_auto_saved",
		},
		ServerAuthoritativeFields: []string{
			"poin_diperoleh",
			"is_correct",
			"feedback",
			"graded_by",
			"graded_at",
		},
		Validator: func(local, remote types.Record) *Verdict {
			if truthy(remote["graded_at"]) && differs(local, remote, "jawaban_mahasiswa") {
				return Manual("Cannot modify answer after grading")
			}
			if differs(local, remote, "soal_id") {
				return Diagnostic("Question ID mismatch - data corruption?")
			}
			return nil
		},
	}
}

// KuisJawaban covers a student's whole submission for a quiz.
func KuisJawaban() Rule {
	return Rule{
		Entity: EntityKuisJawaban,
		ProtectedFields: []string{
			"waktu_mulai",
			"waktu_selesai",
			"jawaban",
		},
		ServerAuthoritativeFields: []string{
			"nilai",
			"status",
			"feedback",
		},
		Validator: func(local, remote types.Record) *Verdict {
			status := text(remote, "status")
			if (status == "graded" || status == "submitted") && text(local, "status") == "draft" {
				return Manual(fmt.Sprintf("Cannot overwrite %s quiz with draft: the submission is already final", status))
			}
			return nil
		},
	}
}

// Kehadiran covers attendance check-ins.
func Kehadiran() Rule {
	return Rule{
		Entity: EntityKehadiran,
		ProtectedFields: []string{
			"mahasiswa_id",
			"jadwal_id",
			"waktu_check_in",
			"lokasi",
		},
		ServerAuthoritativeFields: []string{
			"status",
			"keterangan",
		},
		Validator: func(local, remote types.Record) *Verdict {
			if differs(local, remote, "mahasiswa_id") {
				return Diagnostic("Student ID mismatch")
			}
			if differs(local, remote, "jadwal_id") {
				return Diagnostic("Schedule ID mismatch")
			}
			return nil
		},
	}
}

// Nilai covers grades. The lecturer's value is authoritative.
func Nilai() Rule {
	return Rule{
		Entity: EntityNilai,
		ProtectedFields: []string{
			"mahasiswa_id",
			"kelas_id",
		},
		ServerAuthoritativeFields: []string{
			"nilai_akhir",
			"nilai_huruf",
			"keterangan",
		},
		ManualFields: []string{"nilai"},
		Validator: func(local, remote types.Record) *Verdict {
			localFinal, _ := types.Number(local["nilai_akhir"])
			remoteFinal, _ := types.Number(remote["nilai_akhir"])
			if diff := math.Abs(localFinal - remoteFinal); diff > largeGradeDelta {
				return Manual(fmt.Sprintf("Large grade difference detected: %s points",
					strconv.FormatFloat(diff, 'f', -1, 64)))
			}
			if differs(local, remote, "mahasiswa_id") {
				return Diagnostic("Student ID mismatch")
			}
			return nil
		},
	}
}

// Materi covers course materials.
func Materi() Rule {
	return Rule{
		Entity: EntityMateri,
		ProtectedFields: []string{
			"dosen_id",
			"kelas_id",
		},
		ServerAuthoritativeFields: []string{
			"download_count",
			"cache_version",
			"last_cached_at",
			"published_at",
			"is_published",
			"file_url",
		},
		Validator: func(local, remote types.Record) *Verdict {
			if published(remote) && !published(local) {
				return RemoteWins("Cannot unpublish material - published materials use the server version")
			}
			if differs(local, remote, "dosen_id") {
				return Diagnostic("Teacher ID mismatch")
			}
			if differs(local, remote, "kelas_id") {
				return Diagnostic("Class ID mismatch")
			}
			return nil
		},
	}
}

// Soal covers quiz questions, edited by lecturers only.
func Soal() Rule {
	return Rule{
		Entity: EntitySoal,
		ProtectedFields: []string{
			"kuis_id",
			"urutan",
		},
		ServerAuthoritativeFields: []string{
			"pertanyaan",
			"pilihan_jawaban",
			"jawaban_benar",
			"poin",
			"pembahasan",
		},
		Validator: func(local, remote types.Record) *Verdict {
			if differs(local, remote, "kuis_id") {
				return Diagnostic("Quiz ID mismatch")
			}
			return nil
		},
	}
}

// Kuis covers quiz definitions. The kuis table names its counter "version".
func Kuis() Rule {
	return Rule{
		Entity: EntityKuis,
		ProtectedFields: []string{
			"dosen_id",
			"kelas_id",
		},
		ServerAuthoritativeFields: []string{
			"published_at",
			"status",
			"is_published",
			"passing_grade",
		},
		VersionField: "version",
		Validator: func(local, remote types.Record) *Verdict {
			if published(remote) && !published(local) {
				return RemoteWins("Cannot unpublish quiz - server authoritative for published status")
			}
			if differs(local, remote, "dosen_id") {
				return Diagnostic("Teacher ID mismatch")
			}
			if differs(local, remote, "kelas_id") {
				return Diagnostic("Class ID mismatch")
			}
			return nil
		},
	}
}

func differs(local, remote types.Record, field string) bool {
	return !types.Equal(local[field], remote[field])
}

func text(r types.Record, field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func published(r types.Record) bool {
	return truthy(r["is_published"]) || text(r, "status") == "published"
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	default:
		n, ok := types.Number(v)
		return !ok || n != 0
	}
}
