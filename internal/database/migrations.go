package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/realmgate/realmgate/pkg/logger"
)

// Migrator applies the database schema. Statements are idempotent so the
// migrator can run on every startup.
type Migrator struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewMigrator creates a migrator bound to a connection pool
func NewMigrator(pool *pgxpool.Pool, logger *logger.Logger) *Migrator {
	return &Migrator{pool: pool, logger: logger}
}

// Apply runs all schema statements in order
func (m *Migrator) Apply(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	if m.logger != nil {
		m.logger.Infof("Applied %d schema statements", len(schemaStatements))
	}
	return nil
}

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	// Base identity tables
	`CREATE TABLE IF NOT EXISTS realm (
		id SERIAL PRIMARY KEY,
		name VARCHAR NOT NULL UNIQUE,
		description VARCHAR,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS resource_type (
		id SERIAL PRIMARY KEY,
		name VARCHAR NOT NULL,
		realm_id INT NOT NULL REFERENCES realm(id),
		is_public BOOLEAN NOT NULL DEFAULT false,
		CONSTRAINT uq_resource_type_realm_name UNIQUE (realm_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_resource_type_is_public ON resource_type (is_public)`,

	`CREATE TABLE IF NOT EXISTS action (
		id SERIAL PRIMARY KEY,
		name VARCHAR NOT NULL,
		realm_id INT NOT NULL REFERENCES realm(id),
		CONSTRAINT uq_action_realm_name UNIQUE (realm_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS principal (
		id SERIAL PRIMARY KEY,
		username VARCHAR NOT NULL,
		realm_id INT NOT NULL REFERENCES realm(id),
		attributes JSONB NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS auth_role (
		id SERIAL PRIMARY KEY,
		name VARCHAR NOT NULL,
		realm_id INT NOT NULL REFERENCES realm(id),
		attributes JSONB
	)`,

	`CREATE TABLE IF NOT EXISTS principal_roles (
		principal_id INT NOT NULL REFERENCES principal(id),
		role_id INT NOT NULL REFERENCES auth_role(id),
		PRIMARY KEY (principal_id, role_id)
	)`,

	`CREATE TABLE IF NOT EXISTS authorization_log (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		realm_id INT NOT NULL,
		principal_id INT NOT NULL,
		action_name VARCHAR,
		resource_type_name VARCHAR,
		decision BOOLEAN NOT NULL,
		resource_ids JSONB,
		external_resource_ids JSONB
	)`,

	`CREATE TABLE IF NOT EXISTS realm_keycloak_config (
		id SERIAL PRIMARY KEY,
		realm_id INT NOT NULL REFERENCES realm(id),
		server_url VARCHAR NOT NULL,
		keycloak_realm VARCHAR NOT NULL,
		client_id VARCHAR NOT NULL,
		client_secret VARCHAR,
		verify_ssl BOOLEAN NOT NULL DEFAULT true,
		settings JSONB,
		sync_cron VARCHAR,
		sync_groups BOOLEAN NOT NULL DEFAULT false,
		public_key VARCHAR,
		algorithm VARCHAR NOT NULL DEFAULT 'RS256',
		CONSTRAINT uq_realm_keycloak_realm_id UNIQUE (realm_id)
	)`,

	// Partitioned tables. Per-realm and per-type partitions are created by
	// the realm and resource type services, not here.
	`CREATE TABLE IF NOT EXISTS resource (
		id SERIAL NOT NULL,
		realm_id INT NOT NULL REFERENCES realm(id),
		resource_type_id INT NOT NULL REFERENCES resource_type(id),
		geometry GEOMETRY(Geometry, 3857),
		attributes JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (id, realm_id, resource_type_id)
	) PARTITION BY LIST (realm_id)`,

	`CREATE SEQUENCE IF NOT EXISTS acl_id_seq`,

	`CREATE TABLE IF NOT EXISTS acl (
		id INT NOT NULL DEFAULT nextval('acl_id_seq'),
		principal_id INT,
		role_id INT,
		realm_id INT NOT NULL,
		resource_type_id INT NOT NULL,
		resource_id INT,
		action_id INT NOT NULL,
		conditions JSONB,
		compiled_sql TEXT,
		CHECK (
			(principal_id != 0 AND role_id = 0) OR
			(principal_id = 0 AND role_id != 0)
		),
		PRIMARY KEY (realm_id, resource_type_id, id)
	) PARTITION BY LIST (realm_id)`,

	// One rule per (realm, type, action, principal, role, resource). NULL
	// resource_id collapses to -1 so type-level rules collide too.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_acl_unique_rule
		ON acl (realm_id, resource_type_id, action_id, principal_id, role_id, COALESCE(resource_id, -1))`,

	`CREATE TABLE IF NOT EXISTS external_ids (
		resource_id INT NOT NULL,
		realm_id INT NOT NULL,
		resource_type_id INT NOT NULL,
		external_id TEXT NOT NULL,
		PRIMARY KEY (realm_id, resource_type_id, external_id),
		FOREIGN KEY (resource_id, realm_id, resource_type_id) REFERENCES resource (id, realm_id, resource_type_id) ON DELETE CASCADE,
		FOREIGN KEY (resource_type_id) REFERENCES resource_type(id)
	) PARTITION BY LIST (realm_id)`,

	// Lookup and ACL matching indexes
	`CREATE INDEX IF NOT EXISTS idx_external_ids_lookup
		ON external_ids (realm_id, resource_type_id, external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_external_ids_reverse
		ON external_ids (realm_id, resource_type_id, resource_id)`,
	`CREATE INDEX IF NOT EXISTS idx_acl_matching
		ON acl (realm_id, resource_type_id, action_id)`,
	`CREATE INDEX IF NOT EXISTS idx_acl_principal
		ON acl (realm_id, resource_type_id, action_id, principal_id)
		WHERE principal_id != 0`,
	`CREATE INDEX IF NOT EXISTS idx_acl_role
		ON acl (realm_id, resource_type_id, action_id, role_id)
		WHERE role_id != 0`,

	// Geometry parsing helper: auto-detect format, normalize to SRID 3857
	`CREATE OR REPLACE FUNCTION parse_geometry_to_3857(geom_text TEXT)
	RETURNS geometry AS $$
	DECLARE
		result geometry;
		srid_part TEXT;
		wkt_part TEXT;
		extracted_srid INT;
	BEGIN
		IF geom_text IS NULL OR trim(geom_text) = '' THEN
			RETURN NULL;
		END IF;

		geom_text := trim(both '"' FROM trim(geom_text));

		-- Check for GeoJSON (starts with {)
		IF left(geom_text, 1) = '{' THEN
			result := ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(geom_text), 4326), 3857);
			RETURN result;
		END IF;

		-- Check for EWKT (starts with SRID=)
		IF upper(left(geom_text, 5)) = 'SRID=' THEN
			srid_part := split_part(geom_text, ';', 1);
			wkt_part := split_part(geom_text, ';', 2);
			extracted_srid := substring(srid_part from 6)::int;

			IF extracted_srid = 3857 THEN
				result := ST_GeomFromEWKT(geom_text);
			ELSE
				result := ST_Transform(ST_GeomFromEWKT(geom_text), 3857);
			END IF;
			RETURN result;
		END IF;

		-- Assume plain WKT in 3857 (no transform needed)
		result := ST_SetSRID(ST_GeomFromText(geom_text), 3857);
		RETURN result;
	EXCEPTION WHEN OTHERS THEN
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql IMMUTABLE`,

	// Condition compiler: JSON DSL -> SQL fragment over resource columns and
	// the p_ctx parameter
	`CREATE OR REPLACE FUNCTION compile_condition_to_sql(cond JSONB, ctx_var TEXT DEFAULT 'p_ctx')
	RETURNS TEXT AS $$
	DECLARE
		op TEXT;
		src TEXT;
		attr TEXT;
		val JSONB;
		args JSONB;
		sub_conditions JSONB;
		sub_sqls TEXT[] := '{}';
		i INTEGER;
		lhs TEXT;
		rhs TEXT;
		val_text TEXT;
		raw_path TEXT;
		path_parts TEXT[];
		cast_suffix TEXT := '';
		geom_func TEXT;
		arg_val TEXT;
	BEGIN
		IF cond IS NULL THEN
			RETURN 'TRUE';
		END IF;

		op := lower(cond->>'op');

		-- Step 1: Compound AND/OR/NOT
		IF op IN ('and', 'or', 'not') THEN
			sub_conditions := cond->'conditions';
			IF jsonb_array_length(sub_conditions) = 0 THEN
				RETURN 'TRUE';
			END IF;
			FOR i IN 0..jsonb_array_length(sub_conditions) - 1 LOOP
				sub_sqls := array_append(sub_sqls, compile_condition_to_sql(sub_conditions->i, ctx_var));
			END LOOP;

			IF op = 'not' THEN
				-- NOT wraps a single condition
				RETURN 'NOT (' || sub_sqls[1] || ')';
			ELSE
				RETURN '(' || array_to_string(sub_sqls, ' ' || upper(op) || ' ') || ')';
			END IF;
		END IF;

		-- Step 2: Leaf Node
		src := lower(coalesce(cond->>'source', 'resource'));
		attr := cond->>'attr';
		val := cond->'val';
		args := cond->'args';

		-- Spatial operators need JSONB extraction (->) not text extraction (->>)
		IF op IN ('st_dwithin', 'st_contains', 'st_within', 'st_intersects', 'st_covers') THEN
			IF src = 'resource' THEN
				IF attr = 'geometry' THEN
					lhs := 'resource.geometry';
				ELSE
					lhs := format('resource.attributes->%L', attr);
				END IF;
			ELSIF src = 'principal' THEN
				lhs := format('%s->''principal''->%L', ctx_var, attr);
			ELSIF src = 'context' THEN
				lhs := format('%s->''context''->%L', ctx_var, attr);
			ELSE
				IF attr = 'geometry' THEN
					lhs := 'resource.geometry';
				ELSE
					lhs := format('resource.attributes->%L', attr);
				END IF;
			END IF;
		ELSE
			IF src = 'resource' THEN
				IF attr = 'geometry' THEN
					lhs := 'resource.geometry';
				ELSE
					lhs := format('resource.attributes->>%L', attr);
				END IF;
			ELSIF src = 'principal' THEN
				lhs := format('%s->''principal''->>%L', ctx_var, attr);
			ELSIF src = 'context' THEN
				lhs := format('%s->''context''->>%L', ctx_var, attr);
			ELSE
				IF attr = 'geometry' THEN
					lhs := 'resource.geometry';
				ELSE
					lhs := format('resource.attributes->>%L', attr);
				END IF;
			END IF;
		END IF;

		-- Step 4: RHS with nested path support
		val_text := val #>> '{}';

		IF val_text LIKE '$%' THEN
			IF val_text LIKE '$principal.%' THEN
				raw_path := substr(val_text, 12);
				path_parts := string_to_array(raw_path, '.');
				rhs := format('%s->''principal''', ctx_var);
				FOR i IN 1..array_length(path_parts, 1) LOOP
					IF i = array_length(path_parts, 1) THEN
						IF op IN ('st_dwithin', 'st_contains', 'st_within', 'st_intersects', 'st_covers') THEN
							rhs := rhs || '->' || quote_literal(path_parts[i]);
						ELSE
							rhs := rhs || '->>' || quote_literal(path_parts[i]);
						END IF;
					ELSE
						rhs := rhs || '->' || quote_literal(path_parts[i]);
					END IF;
				END LOOP;
			ELSIF val_text LIKE '$context.%' THEN
				raw_path := substr(val_text, 10);
				path_parts := string_to_array(raw_path, '.');
				rhs := format('%s->''context''', ctx_var);
				FOR i IN 1..array_length(path_parts, 1) LOOP
					IF i = array_length(path_parts, 1) THEN
						IF op IN ('st_dwithin', 'st_contains', 'st_within', 'st_intersects', 'st_covers') THEN
							rhs := rhs || '->' || quote_literal(path_parts[i]);
						ELSE
							rhs := rhs || '->>' || quote_literal(path_parts[i]);
						END IF;
					ELSE
						rhs := rhs || '->' || quote_literal(path_parts[i]);
					END IF;
				END LOOP;
			ELSIF val_text LIKE '$resource.%' THEN
				raw_path := substr(val_text, 11);
				path_parts := string_to_array(raw_path, '.');
				IF array_length(path_parts, 1) = 1 THEN
					rhs := format('resource.attributes->>%L', path_parts[1]);
				ELSE
					rhs := 'resource.attributes';
					FOR i IN 1..array_length(path_parts, 1) LOOP
						IF i = array_length(path_parts, 1) THEN
							rhs := rhs || '->>' || quote_literal(path_parts[i]);
						ELSE
							rhs := rhs || '->' || quote_literal(path_parts[i]);
						END IF;
					END LOOP;
				END IF;
			ELSE
				rhs := quote_literal(val_text);
			END IF;
		ELSIF jsonb_typeof(val) = 'array' THEN
			rhs := '(' || (SELECT string_agg(quote_literal(v #>> '{}'), ', ') FROM jsonb_array_elements(val) AS v) || ')';
		ELSIF jsonb_typeof(val) = 'boolean' THEN
			rhs := quote_literal(val::TEXT);
		ELSIF jsonb_typeof(val) = 'number' THEN
			rhs := val::TEXT;
		ELSIF jsonb_typeof(val) = 'null' THEN
			rhs := 'NULL';
		ELSE
			rhs := quote_literal(val_text);
		END IF;

		-- Step 5: Build expression
		IF op IN ('=', '!=', '<', '>', '<=', '>=', 'in', 'not_in') THEN
			IF jsonb_typeof(val) = 'number' THEN
				cast_suffix := '::numeric';
			ELSIF jsonb_typeof(val) = 'boolean' THEN
				cast_suffix := '::boolean';
			ELSE
				cast_suffix := '';
			END IF;

			lhs := '(' || lhs || ')' || cast_suffix;
			rhs := '(' || rhs || ')' || cast_suffix;
		END IF;

		CASE op
			WHEN '=' THEN
				RETURN lhs || ' = ' || rhs;
			WHEN '!=' THEN
				RETURN lhs || ' != ' || rhs;
			WHEN '<' THEN
				RETURN lhs || ' < ' || rhs;
			WHEN '>' THEN
				RETURN lhs || ' > ' || rhs;
			WHEN '<=' THEN
				RETURN lhs || ' <= ' || rhs;
			WHEN '>=' THEN
				RETURN lhs || ' >= ' || rhs;
			WHEN 'in' THEN
				RETURN lhs || ' = ANY(ARRAY(SELECT jsonb_array_elements_text(' || quote_literal(val::text) || '::jsonb)))';
			WHEN 'not_in' THEN
				RETURN 'NOT (' || lhs || ' = ANY(ARRAY(SELECT jsonb_array_elements_text(' || quote_literal(val::text) || '::jsonb))))';
			WHEN 'all' THEN
				-- Array containment via the @> operator
				RETURN format('%s @> %s', lhs, rhs);
			WHEN 'st_dwithin', 'st_contains', 'st_within', 'st_intersects', 'st_covers' THEN
				-- Spatial operators normalize the RHS to SRID 3857
				IF val_text LIKE '$%' THEN
					geom_func := 'parse_geometry_to_3857((' || rhs || ')::text)';
				ELSIF val_text LIKE '{%' THEN
					-- GeoJSON literal: assume 4326, transform to 3857
					geom_func := 'ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(' || rhs || '), 4326), 3857)';
				ELSIF val_text LIKE 'SRID=3857;%' THEN
					geom_func := 'ST_GeomFromEWKT(' || rhs || ')';
				ELSIF val_text LIKE 'SRID=%' THEN
					geom_func := 'ST_Transform(ST_GeomFromEWKT(' || rhs || '), 3857)';
				ELSE
					-- Plain WKT: assume 3857
					geom_func := 'ST_SetSRID(ST_GeomFromText(' || rhs || '), 3857)';
				END IF;

				IF lhs NOT LIKE 'resource.geometry' THEN
					lhs := 'parse_geometry_to_3857((' || lhs || ')::text)';
				END IF;

				IF op = 'st_dwithin' THEN
					arg_val := args #>> '{}';
					IF arg_val IS NULL THEN
						arg_val := '0';
					END IF;
					RETURN 'ST_DWithin(' || lhs || ', ' || geom_func || ', ' || arg_val || ')';
				ELSE
					RETURN op || '(' || lhs || ', ' || geom_func || ')';
				END IF;
			ELSE
				RETURN 'TRUE';
		END CASE;
	END;
	$$ LANGUAGE plpgsql IMMUTABLE`,

	// Compile trigger: keeps compiled_sql in sync with conditions
	`CREATE OR REPLACE FUNCTION trg_compile_acl_conditions_func()
	RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.conditions IS NULL OR NEW.conditions::text = 'null' THEN
			NEW.compiled_sql := 'TRUE';
		ELSE
			NEW.compiled_sql := compile_condition_to_sql(NEW.conditions, 'p_ctx');
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS trg_compile_acl_conditions ON acl`,
	`CREATE TRIGGER trg_compile_acl_conditions
	BEFORE INSERT OR UPDATE ON acl
	FOR EACH ROW
	EXECUTE FUNCTION trg_compile_acl_conditions_func()`,

	// Authorization runner with public floodgate, type-level short-circuit
	// and optional candidate filter
	`CREATE OR REPLACE FUNCTION get_authorized_resources(
		p_realm_id INT,
		p_principal_id INT,
		p_role_ids INT[],
		p_resource_type_id INT,
		p_action_id INT,
		p_ctx JSONB,
		p_resource_ids INT[] DEFAULT NULL
	)
	RETURNS TABLE(id INT) AS $$
	DECLARE
		v_acl_sql TEXT;
		v_final_sql TEXT;
		v_is_public BOOLEAN;
		v_resource_filter TEXT;
		v_has_type_level_access BOOLEAN := FALSE;
		rec RECORD;
	BEGIN
		-- Level 1: Floodgate (Public Flag)
		SELECT rt.is_public INTO v_is_public
		FROM resource_type rt
		WHERE rt.id = p_resource_type_id;

		IF p_resource_ids IS NOT NULL THEN
			v_resource_filter := format(' AND resource.id = ANY(%L::int[])', p_resource_ids);
		ELSE
			v_resource_filter := '';
		END IF;

		IF v_is_public THEN
			-- Fast path: all resources of this type
			IF p_resource_ids IS NOT NULL THEN
				RETURN QUERY SELECT resource.id FROM resource
					WHERE resource.realm_id = p_realm_id
					AND resource.resource_type_id = p_resource_type_id
					AND resource.id = ANY(p_resource_ids);
			ELSE
				RETURN QUERY SELECT resource.id FROM resource
					WHERE resource.realm_id = p_realm_id
					AND resource.resource_type_id = p_resource_type_id;
			END IF;
			RETURN;
		END IF;

		-- Type-level ACL with no conditions grants blanket access
		SELECT EXISTS(
			SELECT 1 FROM acl
			WHERE realm_id = p_realm_id
			  AND resource_type_id = p_resource_type_id
			  AND action_id = p_action_id
			  AND resource_id IS NULL
			  AND (compiled_sql IS NULL OR trim(compiled_sql) = '' OR upper(trim(compiled_sql)) = 'TRUE')
			  AND (
				  (principal_id = p_principal_id)
				  OR (role_id = ANY(p_role_ids))
				  OR (principal_id = 0 AND role_id = 0)
			  )
		) INTO v_has_type_level_access;

		IF v_has_type_level_access THEN
			IF p_resource_ids IS NOT NULL THEN
				RETURN QUERY SELECT resource.id FROM resource
					WHERE resource.realm_id = p_realm_id
					AND resource.resource_type_id = p_resource_type_id
					AND resource.id = ANY(p_resource_ids);
			ELSE
				RETURN QUERY SELECT resource.id FROM resource
					WHERE resource.realm_id = p_realm_id
					AND resource.resource_type_id = p_resource_type_id;
			END IF;
			RETURN;
		END IF;

		-- Conditional or resource-level ACLs
		FOR rec IN
			SELECT compiled_sql, resource_id
			FROM acl
			WHERE realm_id = p_realm_id
			  AND resource_type_id = p_resource_type_id
			  AND action_id = p_action_id
			  AND (
				  (principal_id = p_principal_id)
				  OR
				  (role_id = ANY(p_role_ids))
				  OR
				  (principal_id = 0 AND role_id = 0)
			  )
		LOOP
			IF rec.compiled_sql IS NULL OR trim(rec.compiled_sql) = '' THEN
				v_final_sql := 'TRUE';
			ELSE
				v_final_sql := replace(rec.compiled_sql, 'p_ctx', '$1');
			END IF;

			-- Level 3: Exception (resource-level ACL)
			IF rec.resource_id IS NOT NULL THEN
				v_final_sql := format('resource.id = %L AND (%s)', rec.resource_id, v_final_sql);
			END IF;

			v_acl_sql := format(
				'SELECT resource.id FROM resource WHERE realm_id = %L AND resource_type_id = %L AND (%s)%s',
				p_realm_id,
				p_resource_type_id,
				v_final_sql,
				v_resource_filter
			);

			RETURN QUERY EXECUTE v_acl_sql USING p_ctx;
		END LOOP;
		RETURN;
	END;
	$$ LANGUAGE plpgsql`,

	// Batch permitted-actions runner: all (resource, action) pairs at once
	`CREATE OR REPLACE FUNCTION get_permitted_actions_batch(
		p_realm_id INT,
		p_principal_id INT,
		p_role_ids INT[],
		p_resource_type_id INT,
		p_resource_ids INT[] DEFAULT NULL,
		p_ctx JSONB DEFAULT '{}'::jsonb
	)
	RETURNS TABLE(
		resource_id INT,
		action_id INT,
		is_type_level BOOLEAN
	) AS $$
	DECLARE
		v_is_public BOOLEAN;
		v_all_action_ids INT[];
		rec RECORD;
		v_final_sql TEXT;
		v_acl_sql TEXT;
		v_resource_filter TEXT;
	BEGIN
		SELECT rt.is_public INTO v_is_public
		FROM resource_type rt
		WHERE rt.id = p_resource_type_id;

		SELECT array_agg(DISTINCT a.id) INTO v_all_action_ids
		FROM action a
		WHERE a.realm_id = p_realm_id;

		IF p_resource_ids IS NOT NULL THEN
			v_resource_filter := format(' AND r.id = ANY(%L::int[])', p_resource_ids);
		ELSE
			v_resource_filter := '';
		END IF;

		-- Level 1: public type permits every action on every resource
		IF v_is_public THEN
			RETURN QUERY
				SELECT r.id, unnest(v_all_action_ids), FALSE
				FROM resource r
				WHERE r.realm_id = p_realm_id
				AND r.resource_type_id = p_resource_type_id
				AND (p_resource_ids IS NULL OR r.id = ANY(p_resource_ids));
			RETURN;
		END IF;

		-- Level 2: unconditional type-level ACLs
		RETURN QUERY
			SELECT r.id, acl.action_id, TRUE
			FROM acl
			CROSS JOIN resource r
			WHERE acl.realm_id = p_realm_id
			  AND acl.resource_type_id = p_resource_type_id
			  AND acl.resource_id IS NULL
			  AND (acl.compiled_sql IS NULL OR trim(acl.compiled_sql) = '' OR upper(trim(acl.compiled_sql)) = 'TRUE')
			  AND (
				  acl.principal_id = p_principal_id
				  OR acl.role_id = ANY(p_role_ids)
				  OR (acl.principal_id = 0 AND acl.role_id = 0)
			  )
			  AND r.realm_id = p_realm_id
			  AND r.resource_type_id = p_resource_type_id
			  AND (p_resource_ids IS NULL OR r.id = ANY(p_resource_ids));

		-- Level 3: resource-level ACLs
		FOR rec IN
			SELECT acl.action_id, acl.resource_id, acl.compiled_sql
			FROM acl
			WHERE acl.realm_id = p_realm_id
			  AND acl.resource_type_id = p_resource_type_id
			  AND acl.resource_id IS NOT NULL
			  AND (
				  acl.principal_id = p_principal_id
				  OR acl.role_id = ANY(p_role_ids)
				  OR (acl.principal_id = 0 AND acl.role_id = 0)
			  )
		LOOP
			IF p_resource_ids IS NOT NULL AND NOT (rec.resource_id = ANY(p_resource_ids)) THEN
				CONTINUE;
			END IF;

			IF rec.compiled_sql IS NULL OR trim(rec.compiled_sql) = '' THEN
				RETURN QUERY SELECT rec.resource_id, rec.action_id, FALSE;
			ELSE
				BEGIN
					v_final_sql := replace(rec.compiled_sql, 'p_ctx', '$1');
					EXECUTE format('SELECT 1 WHERE %s', v_final_sql) USING p_ctx;
					IF FOUND THEN
						RETURN QUERY SELECT rec.resource_id, rec.action_id, FALSE;
					END IF;
				EXCEPTION WHEN OTHERS THEN
					-- Evaluation errors deny the pair
					NULL;
				END;
			END IF;
		END LOOP;

		RETURN;
	END;
	$$ LANGUAGE plpgsql`,

	// Condition exporter: single-query authorization for downstream filters.
	// Merges unconditional external_ids into the DSL as an IN clause.
	`CREATE OR REPLACE FUNCTION get_authorization_conditions(
		p_realm_id INT,
		p_principal_id INT,
		p_role_ids INT[],
		p_resource_type_id INT,
		p_action_id INT
	)
	RETURNS TABLE(
		filter_type TEXT,
		conditions_dsl JSONB,
		external_ids TEXT[],
		has_context_refs BOOLEAN
	) AS $$
	DECLARE
		v_has_blanket_grant BOOLEAN := FALSE;
		v_conditions JSONB[];
		v_unconditional_external_ids TEXT[];
		v_has_context_refs BOOLEAN := FALSE;
		v_acl RECORD;
		v_final_conditions JSONB[];
		v_external_ids_condition JSONB;
		v_resource_with_condition JSONB;
		v_has_valid_conditions BOOLEAN;
	BEGIN
		-- Type-level blanket grant: no conditions, no resource_id
		SELECT EXISTS (
			SELECT 1 FROM acl a
			WHERE a.realm_id = p_realm_id
			  AND a.resource_type_id = p_resource_type_id
			  AND a.action_id = p_action_id
			  AND (a.conditions IS NULL OR a.conditions = 'null'::jsonb)
			  AND a.resource_id IS NULL
			  AND (
				  a.principal_id = p_principal_id
				  OR a.role_id = ANY(p_role_ids)
			  )
		) INTO v_has_blanket_grant;

		IF v_has_blanket_grant THEN
			RETURN QUERY SELECT 'granted_all'::TEXT, NULL::JSONB, NULL::TEXT[], FALSE;
			RETURN;
		END IF;

		FOR v_acl IN
			SELECT a.conditions, e.external_id
			FROM acl a
			LEFT JOIN external_ids e ON a.resource_id = e.resource_id
				AND a.realm_id = e.realm_id
				AND a.resource_type_id = e.resource_type_id
			WHERE a.realm_id = p_realm_id
			  AND a.resource_type_id = p_resource_type_id
			  AND a.action_id = p_action_id
			  AND (
				  a.principal_id = p_principal_id
				  OR a.role_id = ANY(p_role_ids)
			  )
		LOOP
			v_has_valid_conditions := v_acl.conditions IS NOT NULL
									  AND v_acl.conditions != 'null'::jsonb;

			IF v_acl.external_id IS NOT NULL THEN
				IF v_has_valid_conditions THEN
					-- Resource-level ACL with conditions: (external_id = X AND conditions)
					v_resource_with_condition := jsonb_build_object(
						'op', 'and',
						'conditions', jsonb_build_array(
							jsonb_build_object(
								'op', '=',
								'source', 'resource',
								'attr', 'external_id',
								'val', v_acl.external_id
							),
							v_acl.conditions
						)
					);
					v_conditions := array_append(v_conditions, v_resource_with_condition);

					IF v_acl.conditions::TEXT ~ '\$context\.'
					   OR v_acl.conditions::TEXT ~ '\$principal\.' THEN
						v_has_context_refs := TRUE;
					END IF;
				ELSE
					v_unconditional_external_ids := array_append(v_unconditional_external_ids, v_acl.external_id);
				END IF;
			ELSIF v_has_valid_conditions THEN
				v_conditions := array_append(v_conditions, v_acl.conditions);
				IF v_acl.conditions::TEXT ~ '\$context\.'
				   OR v_acl.conditions::TEXT ~ '\$principal\.' THEN
					v_has_context_refs := TRUE;
				END IF;
			END IF;
		END LOOP;

		IF array_length(v_conditions, 1) IS NULL
		   AND array_length(v_unconditional_external_ids, 1) IS NULL THEN
			RETURN QUERY SELECT 'denied_all'::TEXT, NULL::JSONB, NULL::TEXT[], FALSE;
			RETURN;
		END IF;

		v_final_conditions := v_conditions;

		IF array_length(v_unconditional_external_ids, 1) > 0 THEN
			v_external_ids_condition := jsonb_build_object(
				'op', 'in',
				'source', 'resource',
				'attr', 'external_id',
				'val', to_jsonb(v_unconditional_external_ids)
			);
			v_final_conditions := array_append(v_final_conditions, v_external_ids_condition);
		END IF;

		IF array_length(v_final_conditions, 1) > 1 THEN
			RETURN QUERY SELECT
				'conditions'::TEXT,
				jsonb_build_object('op', 'or', 'conditions', to_jsonb(v_final_conditions)),
				NULL::TEXT[],
				v_has_context_refs;
		ELSIF array_length(v_final_conditions, 1) = 1 THEN
			RETURN QUERY SELECT
				'conditions'::TEXT,
				v_final_conditions[1],
				NULL::TEXT[],
				v_has_context_refs;
		ELSE
			RETURN QUERY SELECT 'denied_all'::TEXT, NULL::JSONB, NULL::TEXT[], FALSE;
		END IF;
	END;
	$$ LANGUAGE plpgsql`,
}
