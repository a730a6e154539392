package catalog

import "sync"

// entity builds a table keyed by a single surrogate id column. Update takes
// the id followed by the create fields; delete takes only the id.
func entity(name, id string, fields ...string) Table {
	return Table{
		Name:      name,
		LookupKey: []string{id},
		Fields: map[Operation][]string{
			OpRead:     {},
			OpReadByID: {id},
			OpCreate:   fields,
			OpUpdate:   append([]string{id}, fields...),
			OpDelete:   {id},
		},
	}
}

// link builds a junction table keyed by two foreign keys. Create and update
// share one parameter list since there is no surrogate id.
func link(name, left, right string, fields ...string) Table {
	all := append([]string{left, right}, fields...)
	return Table{
		Name:      name,
		LookupKey: []string{left, right},
		Fields: map[Operation][]string{
			OpRead:     {},
			OpReadByID: {left, right},
			OpCreate:   all,
			OpUpdate:   all,
			OpDelete:   {left, right},
		},
	}
}

// Field names and their order must match the parameters of the deployed
// procedures.
func defaultTables() []Table {
	return []Table{
		entity("tipo_usuario", "id_tipo_usuario",
			"nombre", "descripcion"),
		entity("usuarios", "id_usuario",
			"nombre_usuario", "contrasena_hash", "nombre_completo", "correo", "id_tipo_usuario", "telefono"),
		entity("sectores", "id_sector",
			"nombre", "descripcion"),
		entity("plazas", "id_plaza",
			"nombre", "id_sector", "direccion", "latitud", "longitud"),
		entity("camaras", "id_camara",
			"id_plaza", "numero_serie", "modelo", "direccion_ip", "fecha_instalacion"),
		entity("tipos_reportes", "id_tipo_reporte",
			"codigo", "nombre", "descripcion"),
		entity("tipos_eventos", "id_tipo_evento",
			"codigo", "nombre", "descripcion"),
		entity("reportes", "id_reporte",
			"id_tipo_reporte", "reportado_por", "descripcion_reporte", "fecha_hora_reporte", "nivel_gravedad"),
		link("reportes_plazas", "id_reporte", "id_plaza",
			"especificacion"),
		link("reportes_camaras", "id_reporte", "id_camara",
			"especificacion"),
		entity("accesos_usuarios", "id_acceso",
			"id_usuario", "id_plaza", "otorgado_por", "fecha_otorgado", "revocado_por", "fecha_revocado", "activo"),
		entity("eventos_camara", "id_evento",
			"id_camara", "id_tipo_evento", "descripcion_evento", "fecha_hora_evento", "nivel_confianza"),
	}
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the compiled-in catalog. It panics if the table data
// violates catalog invariants, which can only happen through a code change.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := New(defaultTables()...)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}
