package metadb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mrsinham/dicomcohort/internal/extract"
	"github.com/mrsinham/dicomcohort/internal/stacks"
)

// ErrDuplicateInstance aborts a batch under the abort duplicate policy.
var ErrDuplicateInstance = errors.New("instance already persisted")

// errPayloadSkipped rolls a payload's savepoint back without counting it as a
// failure, so the parent upserts of a skipped duplicate never commit.
var errPayloadSkipped = errors.New("payload skipped")

// Store is the pgx-backed metadata store. It serves both the extraction
// writer and stack discovery.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, log: log}
}

func (s *Store) EnsureCohort(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cohort (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure cohort %q: %w", name, err)
	}
	return id, nil
}

func (s *Store) LoadPathIndex(ctx context.Context, cohortID int64) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.rel_path
		FROM instance i
		JOIN series se ON se.id = i.series_id
		JOIN study st ON st.id = se.study_id
		WHERE st.cohort_id = $1 AND i.rel_path <> ''`, cohortID)
	if err != nil {
		return nil, fmt.Errorf("load path index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path index: %w", err)
		}
		index[p] = true
	}
	return index, rows.Err()
}

func (s *Store) LoadSeriesTokens(ctx context.Context, cohortID int64) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT se.series_instance_uid, max(i.sop_instance_uid)
		FROM instance i
		JOIN series se ON se.id = i.series_id
		JOIN study st ON st.id = se.study_id
		WHERE st.cohort_id = $1
		GROUP BY se.series_instance_uid`, cohortID)
	if err != nil {
		return nil, fmt.Errorf("load series tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string]string)
	for rows.Next() {
		var uid, token string
		if err := rows.Scan(&uid, &token); err != nil {
			return nil, fmt.Errorf("scan series token: %w", err)
		}
		tokens[uid] = token
	}
	return tokens, rows.Err()
}

// WriteBatch persists the payloads inside one transaction, each payload under
// its own savepoint. A failed or skipped payload rolls back to its savepoint
// and the rest of the batch proceeds, so neither an instance row without its
// parents nor a parent row without an instance ever lands.
func (s *Store) WriteBatch(ctx context.Context, cohortID int64, payloads []extract.Payload, policy extract.DuplicatePolicy) (extract.BatchResult, error) {
	var res extract.BatchResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range payloads {
		p := &payloads[i]
		// pgx nested transactions are savepoints.
		sp, err := tx.Begin(ctx)
		if err != nil {
			return res, fmt.Errorf("savepoint: %w", err)
		}
		perr := s.writePayload(ctx, sp, cohortID, p, policy, &res)
		if perr != nil {
			_ = sp.Rollback(ctx)
			if errors.Is(perr, errPayloadSkipped) {
				continue
			}
			if policy == extract.DuplicateAbort && errors.Is(perr, ErrDuplicateInstance) {
				return res, fmt.Errorf("%s: %w", p.RelPath, perr)
			}
			s.log.Warn("payload rolled back",
				zap.String("rel_path", p.RelPath),
				zap.Error(perr))
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return res, fmt.Errorf("release savepoint: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit batch: %w", err)
	}
	return res, nil
}

// writePayload upserts the subject, study and series rows and inserts the
// instance plus its modality detail row.
func (s *Store) writePayload(ctx context.Context, tx pgx.Tx, cohortID int64, p *extract.Payload, policy extract.DuplicatePolicy, res *extract.BatchResult) error {
	var (
		subjectID int64
		inserted  bool
	)
	err := tx.QueryRow(ctx, `
		INSERT INTO subject (code, code_source, original_patient_id, patient_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			original_patient_id = EXCLUDED.original_patient_id,
			patient_name = EXCLUDED.patient_name
		RETURNING id, (xmax = 0)`,
		p.SubjectCode, string(p.CodeSource), p.OriginalPatientID, p.PatientName).
		Scan(&subjectID, &inserted)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	if inserted {
		res.Subjects++
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO subject_cohorts (subject_id, cohort_id, subject_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id, cohort_id) DO NOTHING`,
		subjectID, cohortID, p.SubjectKey); err != nil {
		return fmt.Errorf("link subject to cohort: %w", err)
	}

	var studyID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO study (cohort_id, subject_id, study_instance_uid, study_date, study_time, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (study_instance_uid) DO UPDATE SET
			study_date = EXCLUDED.study_date,
			study_time = EXCLUDED.study_time,
			description = EXCLUDED.description
		RETURNING id, (xmax = 0)`,
		cohortID, subjectID, p.StudyUID, p.Study.Date, p.Study.Time, p.Study.Description).
		Scan(&studyID, &inserted)
	if err != nil {
		return fmt.Errorf("upsert study: %w", err)
	}
	if inserted {
		res.Studies++
	}

	var seriesID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO series (study_id, series_instance_uid, series_number, description,
			protocol_name, body_part_examined, manufacturer, model, modality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (series_instance_uid) DO UPDATE SET
			series_number = EXCLUDED.series_number,
			description = EXCLUDED.description,
			protocol_name = EXCLUDED.protocol_name,
			body_part_examined = EXCLUDED.body_part_examined,
			manufacturer = EXCLUDED.manufacturer,
			model = EXCLUDED.model,
			modality = EXCLUDED.modality
		RETURNING id, (xmax = 0)`,
		studyID, p.SeriesUID, p.Series.Number, p.Series.Description,
		p.Series.Protocol, p.Series.BodyPart, p.Series.Manufacturer,
		p.Series.Model, p.Series.Modality).
		Scan(&seriesID, &inserted)
	if err != nil {
		return fmt.Errorf("upsert series: %w", err)
	}
	if inserted {
		res.Series++
	}

	instanceID, err := s.writeInstance(ctx, tx, seriesID, p, policy, res)
	if err != nil {
		return err
	}
	if instanceID == 0 {
		return errPayloadSkipped
	}
	return s.writeDetails(ctx, tx, instanceID, p)
}

// writeInstance inserts the instance row, applying the duplicate policy. A
// zero id means the instance was skipped.
func (s *Store) writeInstance(ctx context.Context, tx pgx.Tx, seriesID int64, p *extract.Payload, policy extract.DuplicatePolicy, res *extract.BatchResult) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO instance (series_id, sop_instance_uid, sop_class_uid, instance_number,
			slice_location, slice_thickness, pixel_spacing, image_position,
			orientation, image_type, rel_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sop_instance_uid) DO NOTHING
		RETURNING id`,
		seriesID, p.SOPUID, p.Instance.SOPClassUID, p.Instance.Number,
		p.Instance.SliceLocation, p.Instance.SliceThickness, p.Instance.PixelSpacing,
		p.Instance.ImagePosition, p.Instance.Orientation, p.Instance.ImageType,
		p.RelPath).Scan(&id)
	if err == nil {
		res.Instances++
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("insert instance: %w", err)
	}

	switch policy {
	case extract.DuplicateSkip:
		res.Skipped++
		return 0, nil
	case extract.DuplicateAbort:
		return 0, ErrDuplicateInstance
	}

	err = tx.QueryRow(ctx, `
		UPDATE instance SET
			series_id = $2, sop_class_uid = $3, instance_number = $4,
			slice_location = $5, slice_thickness = $6, pixel_spacing = $7,
			image_position = $8, orientation = $9, image_type = $10, rel_path = $11
		WHERE sop_instance_uid = $1
		RETURNING id`,
		p.SOPUID, seriesID, p.Instance.SOPClassUID, p.Instance.Number,
		p.Instance.SliceLocation, p.Instance.SliceThickness, p.Instance.PixelSpacing,
		p.Instance.ImagePosition, p.Instance.Orientation, p.Instance.ImageType,
		p.RelPath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("overwrite instance: %w", err)
	}
	res.Overwritten++
	return id, nil
}

// writeDetails replaces the modality detail row of the instance.
func (s *Store) writeDetails(ctx context.Context, tx pgx.Tx, instanceID int64, p *extract.Payload) error {
	switch {
	case p.MRI != nil:
		m := p.MRI
		_, err := tx.Exec(ctx, `
			INSERT INTO mri_series_details (instance_id, echo_time, repetition_time, inversion_time,
				flip_angle, echo_numbers, echo_train_length, receive_coil_name,
				field_strength, sequence_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (instance_id) DO UPDATE SET
				echo_time = EXCLUDED.echo_time,
				repetition_time = EXCLUDED.repetition_time,
				inversion_time = EXCLUDED.inversion_time,
				flip_angle = EXCLUDED.flip_angle,
				echo_numbers = EXCLUDED.echo_numbers,
				echo_train_length = EXCLUDED.echo_train_length,
				receive_coil_name = EXCLUDED.receive_coil_name,
				field_strength = EXCLUDED.field_strength,
				sequence_name = EXCLUDED.sequence_name`,
			instanceID, m.EchoTime, m.RepetitionTime, m.InversionTime,
			m.FlipAngle, m.EchoNumbers, m.EchoTrainLength, m.ReceiveCoilName,
			m.FieldStrength, m.SequenceName)
		if err != nil {
			return fmt.Errorf("upsert mri details: %w", err)
		}
	case p.CT != nil:
		c := p.CT
		_, err := tx.Exec(ctx, `
			INSERT INTO ct_series_details (instance_id, kvp, tube_current, exposure)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (instance_id) DO UPDATE SET
				kvp = EXCLUDED.kvp,
				tube_current = EXCLUDED.tube_current,
				exposure = EXCLUDED.exposure`,
			instanceID, c.KVP, c.TubeCurrent, c.Exposure)
		if err != nil {
			return fmt.Errorf("upsert ct details: %w", err)
		}
	case p.PET != nil:
		_, err := tx.Exec(ctx, `
			INSERT INTO pet_series_details (instance_id, bed_index, frame_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (instance_id) DO UPDATE SET
				bed_index = EXCLUDED.bed_index,
				frame_type = EXCLUDED.frame_type`,
			instanceID, p.PET.BedIndex, p.PET.FrameType)
		if err != nil {
			return fmt.Errorf("upsert pet details: %w", err)
		}
	}
	return nil
}

func (s *Store) SeriesIDs(ctx context.Context, cohortID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT se.id
		FROM series se
		JOIN study st ON st.id = se.study_id
		WHERE st.cohort_id = $1
		ORDER BY se.id`, cohortID)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan series id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) SeriesInstanceParams(ctx context.Context, seriesID int64) ([]stacks.InstanceParams, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.sop_instance_uid, i.orientation, i.image_type,
		       m.echo_time, m.repetition_time, m.inversion_time, m.flip_angle,
		       COALESCE(m.echo_numbers, ''), m.echo_train_length, COALESCE(m.receive_coil_name, ''),
		       c.kvp, c.tube_current, c.exposure,
		       COALESCE(p.bed_index, ''), COALESCE(p.frame_type, '')
		FROM instance i
		LEFT JOIN mri_series_details m ON m.instance_id = i.id
		LEFT JOIN ct_series_details c ON c.instance_id = i.id
		LEFT JOIN pet_series_details p ON p.instance_id = i.id
		WHERE i.series_id = $1
		ORDER BY i.id`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("query instance params: %w", err)
	}
	defer rows.Close()

	var out []stacks.InstanceParams
	for rows.Next() {
		var ip stacks.InstanceParams
		if err := rows.Scan(&ip.InstanceID, &ip.SOPUID, &ip.Orientation, &ip.ImageType,
			&ip.EchoTime, &ip.RepetitionTime, &ip.InversionTime, &ip.FlipAngle,
			&ip.EchoNumbers, &ip.EchoTrainLength, &ip.CoilName,
			&ip.KVP, &ip.TubeCurrent, &ip.Exposure,
			&ip.BedIndex, &ip.FrameType); err != nil {
			return nil, fmt.Errorf("scan instance params: %w", err)
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

func (s *Store) UpsertStacks(ctx context.Context, rows []stacks.StackRow) (map[int]int64, error) {
	ids := make(map[int]int64, len(rows))
	for _, r := range rows {
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO series_stack (series_id, stack_index, stack_key, n_instances,
				echo_time, repetition_time, inversion_time, flip_angle,
				kvp, tube_current, exposure,
				orientation_cat, orientation_conf, image_type,
				coil_name, echo_numbers, frame_type, bed_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (series_id, stack_index) DO UPDATE SET
				stack_key = EXCLUDED.stack_key,
				n_instances = EXCLUDED.n_instances,
				echo_time = EXCLUDED.echo_time,
				repetition_time = EXCLUDED.repetition_time,
				inversion_time = EXCLUDED.inversion_time,
				flip_angle = EXCLUDED.flip_angle,
				kvp = EXCLUDED.kvp,
				tube_current = EXCLUDED.tube_current,
				exposure = EXCLUDED.exposure,
				orientation_cat = EXCLUDED.orientation_cat,
				orientation_conf = EXCLUDED.orientation_conf,
				image_type = EXCLUDED.image_type,
				coil_name = EXCLUDED.coil_name,
				echo_numbers = EXCLUDED.echo_numbers,
				frame_type = EXCLUDED.frame_type,
				bed_index = EXCLUDED.bed_index
			RETURNING id`,
			r.SeriesID, r.StackIndex, string(r.StackKey), r.NInstances,
			r.EchoTime, r.RepetitionTime, r.InversionTime, r.FlipAngle,
			r.KVP, r.TubeCurrent, r.Exposure,
			r.OrientationCat, r.OrientationConf, r.ImageType,
			r.CoilName, r.EchoNumbers, r.FrameType, r.BedIndex).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert stack %d/%d: %w", r.SeriesID, r.StackIndex, err)
		}
		ids[r.StackIndex] = id
	}
	return ids, nil
}

// PruneStacks removes the rows left over when a series regroups into fewer
// stacks than a previous run found. Runs after instance reassignment, so no
// instance still references a pruned row.
func (s *Store) PruneStacks(ctx context.Context, seriesID int64, keep int) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM series_stack WHERE series_id = $1 AND stack_index >= $2`,
		seriesID, keep); err != nil {
		return fmt.Errorf("prune stacks: %w", err)
	}
	return nil
}

// AssignInstanceStacks bulk-updates instance.series_stack_id through a
// temporary table fed with COPY.
func (s *Store) AssignInstanceStacks(ctx context.Context, assignments map[int64]int64) error {
	if len(assignments) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stack assignment: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE stack_assign (
			instance_id bigint NOT NULL,
			stack_id    bigint NOT NULL
		) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("create assignment table: %w", err)
	}

	src := make([][]any, 0, len(assignments))
	for instanceID, stackID := range assignments {
		src = append(src, []any{instanceID, stackID})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"stack_assign"},
		[]string{"instance_id", "stack_id"},
		pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("copy assignments: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE instance i SET series_stack_id = a.stack_id
		FROM stack_assign a
		WHERE i.id = a.instance_id`); err != nil {
		return fmt.Errorf("apply assignments: %w", err)
	}
	return tx.Commit(ctx)
}
