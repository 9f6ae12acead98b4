package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/realmgate/realmgate/internal/services/realm"
)

// Export renders a realm's configuration back into manifest form. Client
// secrets and public keys are not exported.
func (s *Service) Export(ctx context.Context, realmName string) (*Manifest, error) {
	r, err := s.realms.GetByName(ctx, realmName)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRealmNotFound, realmName)
	}

	m := &Manifest{
		Realm: &RealmSection{Name: r.Name, Description: r.Description},
	}
	if kc := r.KeycloakConfig; kc != nil {
		verifySSL := kc.VerifySSL
		syncGroups := kc.SyncGroups
		m.Realm.KeycloakConfig = &realm.KeycloakConfigInput{
			ServerURL:     kc.ServerURL,
			KeycloakRealm: kc.KeycloakRealm,
			ClientID:      kc.ClientID,
			VerifySSL:     &verifySSL,
			Settings:      kc.Settings,
			SyncCron:      kc.SyncCron,
			SyncGroups:    &syncGroups,
		}
	}

	pool := s.db.Pool()

	typeNames := map[int]string{}
	rows, err := pool.Query(ctx, `SELECT id, name, is_public FROM resource_type WHERE realm_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int
		var name string
		var isPublic bool
		if err := rows.Scan(&id, &name, &isPublic); err != nil {
			rows.Close()
			return nil, err
		}
		typeNames[id] = name
		m.ResourceTypes = append(m.ResourceTypes, TypeEntry{Name: name, IsPublic: isPublic})
	}
	rows.Close()

	actionNames := map[int]string{}
	rows, err = pool.Query(ctx, `SELECT id, name FROM action WHERE realm_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, err
		}
		actionNames[id] = name
		m.Actions = append(m.Actions, ActionEntry{Name: name})
	}
	rows.Close()

	roleNames := map[int]string{}
	rows, err = pool.Query(ctx, `SELECT id, name, attributes FROM auth_role WHERE realm_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int
		var name string
		var attrs json.RawMessage
		if err := rows.Scan(&id, &name, &attrs); err != nil {
			rows.Close()
			return nil, err
		}
		roleNames[id] = name
		m.Roles = append(m.Roles, RoleEntry{Name: name, Attributes: attrs})
	}
	rows.Close()

	principalNames := map[int]string{}
	rows, err = pool.Query(ctx, `SELECT id, username, attributes FROM principal WHERE realm_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return nil, err
	}
	type principalRow struct {
		id       int
		username string
		attrs    json.RawMessage
	}
	var principals []principalRow
	for rows.Next() {
		var p principalRow
		if err := rows.Scan(&p.id, &p.username, &p.attrs); err != nil {
			rows.Close()
			return nil, err
		}
		principalNames[p.id] = p.username
		principals = append(principals, p)
	}
	rows.Close()

	for _, p := range principals {
		entry := PrincipalEntry{Username: p.username, Attributes: emptyToNil(p.attrs)}
		roleRows, err := pool.Query(ctx, `
			SELECT r.name FROM auth_role r
			JOIN principal_roles pr ON pr.role_id = r.id
			WHERE pr.principal_id = $1 ORDER BY r.name`, p.id)
		if err != nil {
			return nil, err
		}
		for roleRows.Next() {
			var name string
			if err := roleRows.Scan(&name); err != nil {
				roleRows.Close()
				return nil, err
			}
			entry.Roles = append(entry.Roles, name)
		}
		roleRows.Close()
		m.Principals = append(m.Principals, entry)
	}

	extByResource := map[int]string{}
	rows, err = pool.Query(ctx, `SELECT resource_id, external_id FROM external_ids WHERE realm_id = $1`, r.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int
		var ext string
		if err := rows.Scan(&id, &ext); err != nil {
			rows.Close()
			return nil, err
		}
		if _, ok := extByResource[id]; !ok {
			extByResource[id] = ext
		}
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT id, resource_type_id, attributes, ST_AsGeoJSON(geometry)
		FROM resource WHERE realm_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, typeID int
		var attrs json.RawMessage
		var geoJSON *string
		if err := rows.Scan(&id, &typeID, &attrs, &geoJSON); err != nil {
			rows.Close()
			return nil, err
		}
		entry := ResourceEntry{
			Type:       typeNames[typeID],
			ExternalID: extByResource[id],
			Attributes: emptyToNil(attrs),
		}
		if geoJSON != nil {
			entry.Geometry = json.RawMessage(*geoJSON)
		}
		m.Resources = append(m.Resources, entry)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT resource_type_id, action_id, role_id, principal_id, resource_id, conditions
		FROM acl WHERE realm_id = $1 ORDER BY id`, r.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var typeID, actionID int
		var roleID, principalID, resourceID *int
		var conditions json.RawMessage
		if err := rows.Scan(&typeID, &actionID, &roleID, &principalID, &resourceID, &conditions); err != nil {
			return nil, err
		}
		entry := ACLEntry{
			ResourceType: typeNames[typeID],
			Action:       actionNames[actionID],
			Conditions:   conditions,
		}
		switch {
		case roleID != nil && *roleID != 0:
			name := roleNames[*roleID]
			entry.Role = &name
		case principalID != nil && *principalID == 0:
			anon := "anonymous"
			entry.Principal = &anon
		case principalID != nil:
			name := principalNames[*principalID]
			entry.Principal = &name
		}
		if resourceID != nil {
			if ext, ok := extByResource[*resourceID]; ok {
				entry.ResourceExternalID = &ext
			}
		}
		m.ACLs = append(m.ACLs, entry)
	}
	return m, rows.Err()
}

func emptyToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil
	}
	return raw
}
