package flow

import (
	"fmt"

	"github.com/taliaworks/pipecat-bridge/pkg/llm"
)

// Node names. The graph is static; handlers route between these by name.
const (
	NodeGreeting          = "greeting"
	NodeRouter            = "router"
	NodeServiceSearch     = "service_search"
	NodeServiceSelection  = "service_selection"
	NodeServiceRetry      = "service_retry"
	NodeCollectAddress    = "collect_address"
	NodeCollectGender     = "collect_gender"
	NodeCollectDOB        = "collect_dob"
	NodeVerifyPatientInfo = "verify_patient_info"
	NodeCenterSearch      = "center_search"
	NodeCerbaCard         = "cerba_card"
	NodeCollectDatetime   = "collect_datetime"
	NodeSlotSelection     = "slot_selection"
	NodeBookingSummary    = "booking_summary"
	NodeCollectName       = "collect_name"
	NodeCollectSurname    = "collect_surname"
	NodeCollectPhone      = "collect_phone"
	NodePhoneConfirmation = "phone_confirmation"
	NodeReminderAuth      = "reminder_auth"
	NodeMarketingAuth     = "marketing_auth"
	NodeFinalConfirmation = "final_confirmation"
	NodeBookingSuccess    = "booking_success"
	NodeTransfer          = "transfer"
	NodeError             = "error_node"
)

// rolePrompt is the persona shared by every node.
const rolePrompt = `Sei Aurora, l'assistente vocale del centro medico Cerba.
Parli italiano, con frasi brevi adatte alla sintesi vocale. Aiuti i pazienti
a prenotare prestazioni sanitarie e rispondi a domande informative. Non
inventare mai dati clinici o prezzi: usa sempre gli strumenti disponibili.`

// Graph is the static conversational node graph plus the handler registry.
// Built once at startup; safe for concurrent read.
type Graph struct {
	nodes    map[string]*Node
	globals  []Function
	handlers map[string]HandlerFunc
}

// NewGraph assembles the node graph around the given handler set.
func NewGraph(h *Handlers) *Graph {
	g := &Graph{
		nodes:    make(map[string]*Node),
		globals:  globalFunctions(),
		handlers: h.registry(),
	}
	for _, n := range buildNodes() {
		g.nodes[n.Name] = n
	}
	return g
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Entry returns the conversation entry node.
func (g *Graph) Entry() *Node { return g.nodes[NodeGreeting] }

// Tools returns the tool definitions offered to the model at a node: the
// node's own functions followed by the global set.
func (g *Graph) Tools(n *Node) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(n.Functions)+len(g.globals))
	for _, f := range n.Functions {
		defs = append(defs, f.Def)
	}
	for _, f := range g.globals {
		defs = append(defs, f.Def)
	}
	return defs
}

// Dispatch resolves a tool name at a node to its handler. Node functions
// shadow globals of the same name.
func (g *Graph) Dispatch(n *Node, tool string) (HandlerFunc, error) {
	for _, f := range n.Functions {
		if f.Def.Name == tool {
			return g.handler(f.Handler)
		}
	}
	for _, f := range g.globals {
		if f.Def.Name == tool {
			return g.handler(f.Handler)
		}
	}
	return nil, fmt.Errorf("flow: tool %q not available at node %q", tool, n.Name)
}

func (g *Graph) handler(key string) (HandlerFunc, error) {
	h, ok := g.handlers[key]
	if !ok {
		return nil, fmt.Errorf("flow: no handler registered for %q", key)
	}
	return h, nil
}

// fn builds a Function whose schema name doubles as the registry key.
func fn(name, description string, required []string, props map[string]any) Function {
	return Function{
		Def: llm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  schema(required, props),
		},
		Handler: name,
	}
}

// globalFunctions is the fixed tool set attached at every node.
func globalFunctions() []Function {
	return []Function{
		fn("knowledge_base_new",
			"Risponde a domande informative generali sul centro medico (orari, preparazioni, documenti).",
			[]string{"question"},
			map[string]any{"question": strProp("La domanda del paziente, riformulata in modo completo.")}),
		fn("get_competitive_pricing",
			"Prezzi della visita medico sportiva agonistica per fascia di età.",
			nil, map[string]any{}),
		fn("get_price_non_agonistic_visit",
			"Prezzo della visita medico sportiva non agonistica.",
			nil, map[string]any{}),
		fn("get_exam_by_visit",
			"Esami compresi in una visita medico sportiva (agonistica o non agonistica).",
			[]string{"visit_type"},
			map[string]any{"visit_type": strProp("Tipo di visita: agonistica oppure non agonistica.")}),
		fn("get_exam_by_sport",
			"Esami aggiuntivi richiesti per uno sport specifico.",
			[]string{"sport"},
			map[string]any{"sport": strProp("Lo sport praticato dal paziente.")}),
		fn("call_graph",
			"Sposta la conversazione a un altro punto del percorso di prenotazione.",
			[]string{"destination"},
			map[string]any{"destination": strProp("Destinazione: router, service_search o collect_datetime.")}),
		fn("request_transfer",
			"Il paziente chiede esplicitamente di parlare con un operatore umano.",
			nil,
			map[string]any{"reason": strProp("Motivo della richiesta, se espresso.")}),
		fn("start_booking",
			"Il paziente vuole prenotare una prestazione.",
			nil,
			map[string]any{"service": strProp("La prestazione richiesta, se già espressa.")}),
		fn("cancel_previous_appointment",
			"Il paziente vuole disdire un appuntamento già esistente.",
			nil, map[string]any{}),
		fn("cancel_and_restart",
			"Il paziente vuole annullare la prenotazione in corso e ripartire da capo.",
			nil, map[string]any{}),
	}
}

// buildNodes constructs the static node inventory.
func buildNodes() []*Node {
	role := []llm.Message{{Role: llm.RoleSystem, Content: rolePrompt}}

	task := func(content string) []llm.Message {
		return []llm.Message{{Role: llm.RoleSystem, Content: content}}
	}

	return []*Node{
		{
			Name:         NodeGreeting,
			RoleMessages: role,
			TaskMessages: task(`Saluta il paziente e chiedi come puoi aiutarlo. ` +
				`Non elencare i servizi disponibili.`),
			RespondImmediately: true,
		},
		{
			Name:         NodeRouter,
			RoleMessages: role,
			TaskMessages: task(`Capisci l'intento del paziente e usa lo strumento adatto: ` +
				`start_booking per prenotare, knowledge_base_new per informazioni, ` +
				`request_transfer solo se chiede un operatore.`),
		},
		{
			Name:         NodeServiceSearch,
			RoleMessages: role,
			TaskMessages: task(`Chiedi quale prestazione serve e cerca nel catalogo con ` +
				`search_services. Non proporre prestazioni non trovate.`),
			Functions: []Function{
				fn("search_services",
					"Cerca una prestazione nel catalogo del centro.",
					[]string{"query"},
					map[string]any{"query": strProp("La prestazione come espressa dal paziente.")}),
			},
		},
		{
			Name:         NodeServiceSelection,
			RoleMessages: role,
			TaskMessages: task(`Proponi al paziente le prestazioni trovate, una per una, ` +
				`e registra la scelta con select_service.`),
			Functions: []Function{
				fn("select_service",
					"Registra la prestazione scelta tra i risultati della ricerca.",
					[]string{"service_name"},
					map[string]any{"service_name": strProp("Il nome della prestazione scelta.")}),
				fn("search_services",
					"Ripete la ricerca con un termine diverso.",
					[]string{"query"},
					map[string]any{"query": strProp("Il nuovo termine di ricerca.")}),
			},
		},
		{
			Name:         NodeServiceRetry,
			RoleMessages: role,
			TaskMessages: task(`La ricerca non ha trovato nulla. Chiedi al paziente di ` +
				`riformulare la richiesta con parole diverse e riprova con search_services.`),
			Functions: []Function{
				fn("search_services",
					"Riprova la ricerca con un termine diverso.",
					[]string{"query"},
					map[string]any{"query": strProp("Il nuovo termine di ricerca.")}),
			},
		},
		{
			Name:         NodeCollectAddress,
			RoleMessages: role,
			TaskMessages: task(`Chiedi la città o l'indirizzo di preferenza del paziente e ` +
				`registralo con collect_address.`),
			Functions: []Function{
				fn("collect_address",
					"Registra la città o l'indirizzo di preferenza.",
					[]string{"address"},
					map[string]any{"address": strProp("Città o indirizzo indicato dal paziente.")}),
			},
		},
		{
			Name:         NodeCollectGender,
			RoleMessages: role,
			TaskMessages: task(`Chiedi il sesso del paziente e registralo con collect_gender.`),
			Functions: []Function{
				fn("collect_gender",
					"Registra il sesso del paziente.",
					[]string{"gender"},
					map[string]any{"gender": strProp("M oppure F.")}),
			},
		},
		{
			Name:         NodeCollectDOB,
			RoleMessages: role,
			TaskMessages: task(`Chiedi la data di nascita del paziente e registrala con ` +
				`collect_dob nel formato AAAA-MM-GG.`),
			Functions: []Function{
				fn("collect_dob",
					"Registra la data di nascita.",
					[]string{"dob"},
					map[string]any{"dob": strProp("Data di nascita in formato AAAA-MM-GG.")}),
			},
		},
		{
			Name:         NodeVerifyPatientInfo,
			RoleMessages: role,
			TaskMessages: task(`Ripeti i dati raccolti e chiedi conferma con ` +
				`verify_patient_info.`),
			Functions: []Function{
				fn("verify_patient_info",
					"Conferma o rifiuta i dati anagrafici raccolti.",
					[]string{"confirmed"},
					map[string]any{"confirmed": boolProp("true se il paziente conferma.")}),
			},
		},
		{
			Name:         NodeCenterSearch,
			RoleMessages: role,
			TaskMessages: task(`Cerca i centri nella zona indicata con search_centers e ` +
				`proponili al paziente; registra la scelta con select_center.`),
			Functions: []Function{
				fn("search_centers",
					"Cerca i centri medici in una città o zona.",
					[]string{"city"},
					map[string]any{"city": strProp("La città o zona richiesta.")}),
				fn("select_center",
					"Registra il centro scelto tra quelli proposti.",
					[]string{"index"},
					map[string]any{"index": intProp("Posizione del centro nella lista, a partire da 1.")}),
			},
		},
		{
			Name:         NodeCerbaCard,
			RoleMessages: role,
			TaskMessages: task(`Chiedi se il paziente possiede la carta fedeltà del centro e ` +
				`registra la risposta con cerba_card.`),
			Functions: []Function{
				fn("cerba_card",
					"Registra il possesso della carta fedeltà.",
					[]string{"has_card"},
					map[string]any{"has_card": boolProp("true se il paziente ha la carta.")}),
			},
		},
		{
			Name:         NodeCollectDatetime,
			RoleMessages: role,
			TaskMessages: task(`Chiedi quando preferisce l'appuntamento e cerca le ` +
				`disponibilità con collect_datetime.`),
			Functions: []Function{
				fn("collect_datetime",
					"Registra la preferenza di data e fascia oraria e cerca gli orari disponibili.",
					[]string{"date"},
					map[string]any{
						"date":        strProp("Data preferita in formato AAAA-MM-GG."),
						"time_of_day": strProp("Fascia oraria: mattina, pomeriggio o indifferente."),
					}),
			},
		},
		{
			Name:         NodeSlotSelection,
			RoleMessages: role,
			TaskMessages: task(`Proponi gli orari disponibili e registra la scelta con ` +
				`select_slot.`),
			Functions: []Function{
				fn("select_slot",
					"Riserva l'orario scelto tra quelli proposti.",
					[]string{"index"},
					map[string]any{"index": intProp("Posizione dell'orario nella lista, a partire da 1.")}),
			},
		},
		{
			Name:         NodeBookingSummary,
			RoleMessages: role,
			TaskMessages: task(`Riassumi prestazioni, centro, data e prezzo, poi chiedi ` +
				`conferma con confirm_summary.`),
			Functions: []Function{
				fn("confirm_summary",
					"Conferma o rifiuta il riepilogo della prenotazione.",
					[]string{"confirmed"},
					map[string]any{"confirmed": boolProp("true se il paziente conferma.")}),
			},
			ContextStrategy: StrategyReset,
		},
		{
			Name:         NodeCollectName,
			RoleMessages: role,
			TaskMessages: task(`Chiedi il nome del paziente e registralo con collect_name.`),
			Functions: []Function{
				fn("collect_name",
					"Registra il nome del paziente.",
					[]string{"name"},
					map[string]any{"name": strProp("Il nome proprio del paziente.")}),
			},
		},
		{
			Name:         NodeCollectSurname,
			RoleMessages: role,
			TaskMessages: task(`Chiedi il cognome e registralo con collect_surname.`),
			Functions: []Function{
				fn("collect_surname",
					"Registra il cognome del paziente.",
					[]string{"surname"},
					map[string]any{"surname": strProp("Il cognome del paziente.")}),
			},
		},
		{
			Name:         NodeCollectPhone,
			RoleMessages: role,
			TaskMessages: task(`Chiedi un numero di telefono per la prenotazione. Se il ` +
				`paziente conferma di usare il numero da cui sta chiamando, passa la sua ` +
				`risposta così com'è a collect_phone.`),
			Functions: []Function{
				fn("collect_phone",
					"Registra il numero di telefono o la conferma del numero chiamante.",
					[]string{"phone"},
					map[string]any{"phone": strProp("Il numero dettato, oppure la conferma (sì, ok, va bene).")}),
			},
		},
		{
			Name:         NodePhoneConfirmation,
			RoleMessages: role,
			TaskMessages: task(`Ripeti il numero raccolto cifra per cifra e chiedi conferma ` +
				`con confirm_phone.`),
			Functions: []Function{
				fn("confirm_phone",
					"Conferma o rifiuta il numero di telefono raccolto.",
					[]string{"confirmed"},
					map[string]any{"confirmed": boolProp("true se il numero è corretto.")}),
			},
		},
		{
			Name:         NodeReminderAuth,
			RoleMessages: role,
			TaskMessages: task(`Chiedi se il paziente vuole ricevere il promemoria ` +
				`dell'appuntamento e registra la risposta con reminder_authorization.`),
			Functions: []Function{
				fn("reminder_authorization",
					"Registra il consenso al promemoria.",
					[]string{"authorized"},
					map[string]any{"authorized": boolProp("true se il paziente acconsente.")}),
			},
		},
		{
			Name:         NodeMarketingAuth,
			RoleMessages: role,
			TaskMessages: task(`Chiedi il consenso alle comunicazioni promozionali e ` +
				`registra la risposta con marketing_authorization.`),
			Functions: []Function{
				fn("marketing_authorization",
					"Registra il consenso alle comunicazioni promozionali.",
					[]string{"authorized"},
					map[string]any{"authorized": boolProp("true se il paziente acconsente.")}),
			},
		},
		{
			Name:         NodeFinalConfirmation,
			RoleMessages: role,
			TaskMessages: task(`Chiedi l'ultima conferma e crea la prenotazione con ` +
				`confirm_details_and_create_booking.`),
			Functions: []Function{
				fn("confirm_details_and_create_booking",
					"Crea la prenotazione definitiva.",
					[]string{"confirmed"},
					map[string]any{"confirmed": boolProp("true se il paziente conferma.")}),
			},
		},
		{
			Name:         NodeBookingSuccess,
			RoleMessages: role,
			TaskMessages: task(`Comunica che la prenotazione è confermata, ricorda di ` +
				`portare un documento e saluta.`),
			RespondImmediately: true,
		},
		{
			Name:         NodeTransfer,
			RoleMessages: role,
			TaskMessages: task(`Comunica al paziente che lo stai mettendo in contatto con ` +
				`un operatore e chiedigli di attendere in linea.`),
			RespondImmediately: true,
		},
		{
			Name:         NodeError,
			RoleMessages: role,
			TaskMessages: task(`Si è verificato un problema tecnico. Scusati con il ` +
				`paziente e proponi di riprovare o di parlare con un operatore.`),
			RespondImmediately: true,
		},
	}
}
